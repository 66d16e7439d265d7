package hn

import (
	"bytes"
	"encoding/json"
	"fmt"
)

var nullBody = []byte("null")

// itemDecoders maps each discriminator value to the constructor that keeps the
// fields relevant to that kind. Kinds missing from the table fail to decode.
var itemDecoders = map[Kind]func(raw Item) Item{
	KindStory:   storyShape,
	KindJob:     storyShape,
	KindComment: commentShape,
	KindPoll:    pollShape,
	KindPollOpt: pollOptShape,
}

func base(raw Item) Item {
	return Item{
		ID:      raw.ID,
		Kind:    raw.Kind,
		Deleted: raw.Deleted,
		Dead:    raw.Dead,
		By:      raw.By,
		Time:    raw.Time,
	}
}

func storyShape(raw Item) Item {
	it := base(raw)
	it.Kids = raw.Kids
	it.Descendants = raw.Descendants
	it.Score = raw.Score
	it.Title = raw.Title
	it.URL = raw.URL
	it.Text = raw.Text
	return it
}

func commentShape(raw Item) Item {
	it := base(raw)
	it.Kids = raw.Kids
	it.Parent = raw.Parent
	it.Text = raw.Text
	return it
}

func pollShape(raw Item) Item {
	it := base(raw)
	it.Kids = raw.Kids
	it.Parts = raw.Parts
	it.Descendants = raw.Descendants
	it.Score = raw.Score
	it.Title = raw.Title
	it.Text = raw.Text
	return it
}

func pollOptShape(raw Item) Item {
	it := base(raw)
	it.Poll = raw.Poll
	it.Score = raw.Score
	it.Text = raw.Text
	return it
}

// IsNull reports whether body is the JSON literal null, ignoring surrounding whitespace.
func IsNull(body []byte) bool {
	return bytes.Equal(bytes.TrimSpace(body), nullBody)
}

// DecodeItem builds an Item from an item payload, selecting the shape by its
// "type" field.
func DecodeItem(body []byte) (Item, error) {
	if IsNull(body) {
		return Item{}, ErrNotFound
	}
	var raw Item
	if err := json.Unmarshal(body, &raw); err != nil {
		return Item{}, fmt.Errorf("decode item: %w", decodeErr(err))
	}
	shape, ok := itemDecoders[raw.Kind]
	if !ok {
		return Item{}, fmt.Errorf("decode item %d: unknown type %q: %w", raw.ID, raw.Kind, ErrDecode)
	}
	return shape(raw), nil
}

// DecodeUser builds a User from a user payload.
func DecodeUser(body []byte) (User, error) {
	if IsNull(body) {
		return User{}, ErrNotFound
	}
	var u User
	if err := json.Unmarshal(body, &u); err != nil {
		return User{}, fmt.Errorf("decode user: %w", decodeErr(err))
	}
	if u.ID == "" {
		return User{}, fmt.Errorf("decode user: missing id: %w", ErrDecode)
	}
	return u, nil
}

// DecodeIDs parses a frontier list payload.
func DecodeIDs(body []byte) ([]int, error) {
	if IsNull(body) {
		return nil, nil
	}
	var ids []int
	if err := json.Unmarshal(body, &ids); err != nil {
		return nil, fmt.Errorf("decode id list: %w", decodeErr(err))
	}
	return ids, nil
}

func decodeErr(err error) error {
	return fmt.Errorf("%w: %w", ErrDecode, err)
}
