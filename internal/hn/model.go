package hn

import (
	"fmt"
	"strconv"
)

// Space separates the two disjoint id spaces served by the API.
type Space string

// Id spaces.
const (
	SpaceItem Space = "item"
	SpaceUser Space = "user"
)

// Key identifies a record across both id spaces. Item ids are numeric and user
// ids are case-sensitive names, so the pair is needed for uniqueness.
type Key struct {
	Space Space
	ID    string
}

// ItemKey builds the key for a numeric item id.
func ItemKey(id int) Key {
	return Key{Space: SpaceItem, ID: strconv.Itoa(id)}
}

// UserKey builds the key for a user name.
func UserKey(name string) Key {
	return Key{Space: SpaceUser, ID: name}
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.Space, k.ID)
}

// Kind is the "type" discriminator carried by item payloads.
type Kind string

// Item kinds served by the API.
const (
	KindStory   Kind = "story"
	KindComment Kind = "comment"
	KindPoll    Kind = "poll"
	KindPollOpt Kind = "pollopt"
	KindJob     Kind = "job"
)

// Record is a fetched, immutable API record: either an Item or a User.
type Record interface {
	Key() Key
	record()
}

// Item is a story, comment, poll, poll option or job. Fields that do not apply
// to Kind are left at their zero value.
type Item struct {
	ID          int    `json:"id"`
	Kind        Kind   `json:"type"`
	Deleted     bool   `json:"deleted,omitempty"`
	Dead        bool   `json:"dead,omitempty"`
	By          string `json:"by,omitempty"`
	Time        int64  `json:"time,omitempty"`
	Kids        []int  `json:"kids,omitempty"`
	Parent      int    `json:"parent,omitempty"`
	Poll        int    `json:"poll,omitempty"`
	Parts       []int  `json:"parts,omitempty"`
	Descendants int    `json:"descendants,omitempty"`
	Title       string `json:"title,omitempty"`
	URL         string `json:"url,omitempty"`
	Text        string `json:"text,omitempty"`
	Score       int    `json:"score,omitempty"`
}

// Key implements Record.
func (i Item) Key() Key { return ItemKey(i.ID) }

func (Item) record() {}

// Children returns the ids the crawl descends into: comment kids followed by
// poll parts, in payload order.
func (i Item) Children() []int {
	if len(i.Parts) == 0 {
		return i.Kids
	}
	out := make([]int, 0, len(i.Kids)+len(i.Parts))
	out = append(out, i.Kids...)
	return append(out, i.Parts...)
}

// User is a user profile.
type User struct {
	ID        string `json:"id"`
	Created   int64  `json:"created"`
	Karma     int    `json:"karma"`
	About     string `json:"about,omitempty"`
	Delay     int    `json:"delay,omitempty"`
	Submitted []int  `json:"submitted,omitempty"`
}

// Key implements Record.
func (u User) Key() Key { return UserKey(u.ID) }

func (User) record() {}

// Updates is the payload of updates.json.
type Updates struct {
	Items    []int    `json:"items"`
	Profiles []string `json:"profiles"`
}
