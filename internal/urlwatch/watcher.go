// Package urlwatch detects when the content behind a URL changes. Arcyd
// points it at each repository's snoop URL (typically info/refs) so that a
// git fetch is only issued when the remote has actually moved.
package urlwatch

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"

	"github.com/zeebo/blake3"
)

type entry struct {
	Digest  string `json:"digest"`
	Changed bool   `json:"changed"`
}

// Snapshot is the persisted form of a Watcher.
type Snapshot struct {
	URLs map[string]entry `json:"urls"`
}

// Watcher remembers a digest of each watched URL's body.
type Watcher struct {
	client *http.Client

	mu      sync.Mutex
	entries map[string]*entry
}

// New returns a Watcher using client, or http.DefaultClient when nil.
func New(client *http.Client) *Watcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Watcher{client: client, entries: make(map[string]*entry)}
}

// Describe names the watcher in cache refresh reports.
func (w *Watcher) Describe() string { return "url-watcher" }

// URLs returns the watched URLs in sorted order.
func (w *Watcher) URLs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	urls := make([]string, 0, len(w.entries))
	for u := range w.entries {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	return urls
}

// Refresh re-fetches every watched URL and flags those whose content
// differs from the last fetch. The first error stops the refresh.
func (w *Watcher) Refresh(ctx context.Context) error {
	for _, u := range w.URLs() {
		digest, err := w.fetch(ctx, u)
		if err != nil {
			return err
		}
		w.mu.Lock()
		if e := w.entries[u]; e != nil && e.Digest != digest {
			e.Digest = digest
			e.Changed = true
		}
		w.mu.Unlock()
	}
	return nil
}

// PeekHasChanged reports whether url changed since it was last marked as
// seen. A URL not yet watched is fetched, watched, and reported as changed.
func (w *Watcher) PeekHasChanged(ctx context.Context, url string) (bool, error) {
	return w.check(ctx, url, false)
}

// HasChanged is PeekHasChanged that also marks the current content as seen.
func (w *Watcher) HasChanged(ctx context.Context, url string) (bool, error) {
	return w.check(ctx, url, true)
}

func (w *Watcher) check(ctx context.Context, url string, markSeen bool) (bool, error) {
	w.mu.Lock()
	e, ok := w.entries[url]
	w.mu.Unlock()

	if !ok {
		digest, err := w.fetch(ctx, url)
		if err != nil {
			return false, err
		}
		e = &entry{Digest: digest, Changed: true}
		w.mu.Lock()
		w.entries[url] = e
		w.mu.Unlock()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	changed := e.Changed
	if markSeen {
		e.Changed = false
	}
	return changed, nil
}

func (w *Watcher) fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("watch %s: %w", url, err)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("watch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("watch %s: unexpected status %s", url, resp.Status)
	}

	h := blake3.New()
	if _, err := io.Copy(h, resp.Body); err != nil {
		return "", fmt.Errorf("watch %s: read body: %w", url, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Dump writes the watcher state as JSON.
func (w *Watcher) Dump(out io.Writer) error {
	return json.NewEncoder(out).Encode(w.Snapshot())
}

// Load replaces the watcher state with JSON previously written by Dump.
func (w *Watcher) Load(in io.Reader) error {
	var snap Snapshot
	if err := json.NewDecoder(in).Decode(&snap); err != nil {
		return fmt.Errorf("decode url watcher snapshot: %w", err)
	}
	w.Restore(snap)
	return nil
}

// Snapshot copies the watcher state.
func (w *Watcher) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	snap := Snapshot{URLs: make(map[string]entry, len(w.entries))}
	for u, e := range w.entries {
		snap.URLs[u] = *e
	}
	return snap
}

// Restore replaces the watcher state with snap.
func (w *Watcher) Restore(snap Snapshot) {
	entries := make(map[string]*entry, len(snap.URLs))
	for u, e := range snap.URLs {
		e := e
		entries[u] = &e
	}
	w.mu.Lock()
	w.entries = entries
	w.mu.Unlock()
}
