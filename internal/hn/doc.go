// Package hn models the Hacker News Firebase API: the item and user records it
// serves, the discriminator-driven decoding of item payloads, and a thin client
// over a pluggable transport.
package hn
