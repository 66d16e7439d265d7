package hn

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
)

// Transport performs a single GET of an API path relative to the versioned base
// URL (for example "item/8863.json") and returns the raw body.
type Transport interface {
	Get(ctx context.Context, path string) ([]byte, error)
}

// List names a story id listing endpoint.
type List string

// Listing endpoints.
const (
	ListTop  List = "topstories"
	ListNew  List = "newstories"
	ListBest List = "beststories"
	ListAsk  List = "askstories"
	ListShow List = "showstories"
	ListJob  List = "jobstories"
)

var listNames = map[string]List{
	"top":  ListTop,
	"new":  ListNew,
	"best": ListBest,
	"ask":  ListAsk,
	"show": ListShow,
	"job":  ListJob,
}

// ParseList resolves a short list name such as "top" or a full endpoint name
// such as "topstories".
func ParseList(name string) (List, error) {
	if l, ok := listNames[name]; ok {
		return l, nil
	}
	for _, l := range listNames {
		if string(l) == name {
			return l, nil
		}
	}
	return "", fmt.Errorf("unknown story list %q", name)
}

// ListNames returns the accepted short list names in sorted order.
func ListNames() []string {
	names := make([]string, 0, len(listNames))
	for n := range listNames {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Client reads records from the API through a Transport.
type Client struct {
	transport Transport
}

// NewClient wraps a transport.
func NewClient(t Transport) *Client {
	return &Client{transport: t}
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	body, err := c.transport.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	return body, nil
}

// Item fetches one item by id.
func (c *Client) Item(ctx context.Context, id int) (Item, error) {
	body, err := c.get(ctx, "item/"+strconv.Itoa(id)+".json")
	if err != nil {
		return Item{}, err
	}
	it, err := DecodeItem(body)
	if err != nil {
		return Item{}, fmt.Errorf("item %d: %w", id, err)
	}
	return it, nil
}

// User fetches one user profile by name.
func (c *Client) User(ctx context.Context, name string) (User, error) {
	body, err := c.get(ctx, "user/"+url.PathEscape(name)+".json")
	if err != nil {
		return User{}, err
	}
	u, err := DecodeUser(body)
	if err != nil {
		return User{}, fmt.Errorf("user %s: %w", name, err)
	}
	return u, nil
}

// Stories fetches the ordered id list of one listing endpoint.
func (c *Client) Stories(ctx context.Context, list List) ([]int, error) {
	body, err := c.get(ctx, string(list)+".json")
	if err != nil {
		return nil, err
	}
	ids, err := DecodeIDs(body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", list, err)
	}
	return ids, nil
}

// MaxItem returns the current largest item id.
func (c *Client) MaxItem(ctx context.Context) (int, error) {
	body, err := c.get(ctx, "maxitem.json")
	if err != nil {
		return 0, err
	}
	var id int
	if err := json.Unmarshal(body, &id); err != nil {
		return 0, fmt.Errorf("maxitem: %w", decodeErr(err))
	}
	return id, nil
}

// Updates returns the recently changed item ids and profiles.
func (c *Client) Updates(ctx context.Context) (Updates, error) {
	body, err := c.get(ctx, "updates.json")
	if err != nil {
		return Updates{}, err
	}
	var u Updates
	if err := json.Unmarshal(body, &u); err != nil {
		return Updates{}, fmt.Errorf("updates: %w", decodeErr(err))
	}
	return u, nil
}
