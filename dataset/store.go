// Package dataset implements the small per-path JSON array store backing
// the base's dataset-templated UI elements: one file per path, in-memory
// subscriber accounting, and post-mutation fan-out to both local UI
// subscribers and peripheral subscribers.
package dataset

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/spider-net/spider/identity"
	"github.com/spider-net/spider/wire"
)

// UiNotifier is the narrow capability the store needs from the ui package:
// push a fresh value to whichever page(s) subscribed.
type UiNotifier interface {
	DatasetChanged(path wire.AbsoluteDatasetPath, data []wire.DatasetData)
}

// LinkSender is the narrow capability the store needs from the router to
// multicast updates to peripheral subscribers.
type LinkSender interface {
	SendTo(rel identity.Relation, msg wire.Message) error
}

type subscriberKey struct {
	isUi bool
	rel  identity.Relation
}

// Store owns every dataset path's on-disk JSON array and its subscribers.
type Store struct {
	root string
	log  *logrus.Entry
	ui   UiNotifier
	link LinkSender

	mu            sync.Mutex
	data          map[string][]wire.DatasetData
	subscriptions map[string]map[subscriberKey]struct{}
}

func New(root string, ui UiNotifier, link LinkSender, log *logrus.Entry) *Store {
	return &Store{
		root:          root,
		log:           log.WithField("component", "dataset"),
		ui:            ui,
		link:          link,
		data:          map[string][]wire.DatasetData{},
		subscriptions: map[string]map[subscriberKey]struct{}{},
	}
}

// Resolve turns a wire-relative path into an absolute one: Private paths
// are scoped to owner, Public paths are shared.
func Resolve(path wire.DatasetPath, owner identity.NodeId) wire.AbsoluteDatasetPath {
	abs := wire.AbsoluteDatasetPath{Scope: path.Scope, Name: path.Name}
	if path.Scope == wire.ScopePrivate {
		abs.Peripheral = owner
	}
	return abs
}

func (s *Store) filePath(path wire.AbsoluteDatasetPath) string {
	if path.Scope == wire.ScopePublic {
		segs := append([]string{s.root, "public"}, path.Name...)
		return filepath.Join(segs...) + ".json"
	}
	sum := sha256.Sum256(path.Peripheral.Bytes())
	segs := append([]string{s.root, hex.EncodeToString(sum[:])}, path.Name...)
	return filepath.Join(segs...) + ".json"
}

func (s *Store) load(path wire.AbsoluteDatasetPath) []wire.DatasetData {
	key := path.String()
	if rows, ok := s.data[key]; ok {
		return rows
	}
	rows := []wire.DatasetData{}
	if b, err := os.ReadFile(s.filePath(path)); err == nil {
		_ = json.Unmarshal(b, &rows)
	}
	s.data[key] = rows
	return rows
}

func (s *Store) persist(path wire.AbsoluteDatasetPath, rows []wire.DatasetData) error {
	key := path.String()
	s.data[key] = rows
	fp := s.filePath(path)
	if err := os.MkdirAll(filepath.Dir(fp), 0o755); err != nil {
		return fmt.Errorf("dataset: mkdir: %w", err)
	}
	b, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("dataset: marshal: %w", err)
	}
	tmp := fp + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("dataset: write temp: %w", err)
	}
	if err := os.Rename(tmp, fp); err != nil {
		return fmt.Errorf("dataset: rename: %w", err)
	}
	return nil
}

// Append adds one row at the end.
func (s *Store) Append(path wire.AbsoluteDatasetPath, row wire.DatasetData) error {
	s.mu.Lock()
	rows := append(s.load(path), row)
	err := s.persist(path, rows)
	s.mu.Unlock()
	if err == nil {
		s.notify(path, rows)
	}
	return err
}

// Extend appends many rows at once.
func (s *Store) Extend(path wire.AbsoluteDatasetPath, newRows []wire.DatasetData) error {
	s.mu.Lock()
	rows := append(s.load(path), newRows...)
	err := s.persist(path, rows)
	s.mu.Unlock()
	if err == nil {
		s.notify(path, rows)
	}
	return err
}

// SetElement overwrites index, padding with Null rows if index is past the
// current end.
func (s *Store) SetElement(path wire.AbsoluteDatasetPath, index int, value wire.DatasetData) error {
	s.mu.Lock()
	rows := s.load(path)
	rows = padTo(rows, index+1)
	rows[index] = value
	err := s.persist(path, rows)
	s.mu.Unlock()
	if err == nil {
		s.notify(path, rows)
	}
	return err
}

// SetElements overwrites a contiguous run starting at index, padding as
// SetElement does.
func (s *Store) SetElements(path wire.AbsoluteDatasetPath, index int, values []wire.DatasetData) error {
	s.mu.Lock()
	rows := s.load(path)
	rows = padTo(rows, index+len(values))
	copy(rows[index:], values)
	err := s.persist(path, rows)
	s.mu.Unlock()
	if err == nil {
		s.notify(path, rows)
	}
	return err
}

// DeleteElement removes index, or is a no-op if index is already past the
// end.
func (s *Store) DeleteElement(path wire.AbsoluteDatasetPath, index int) error {
	s.mu.Lock()
	rows := s.load(path)
	if index < 0 || index >= len(rows) {
		s.mu.Unlock()
		return nil
	}
	rows = append(rows[:index], rows[index+1:]...)
	err := s.persist(path, rows)
	s.mu.Unlock()
	if err == nil {
		s.notify(path, rows)
	}
	return err
}

// Empty clears a path to zero rows.
func (s *Store) Empty(path wire.AbsoluteDatasetPath) error {
	s.mu.Lock()
	err := s.persist(path, []wire.DatasetData{})
	s.mu.Unlock()
	if err == nil {
		s.notify(path, nil)
	}
	return err
}

func padTo(rows []wire.DatasetData, n int) []wire.DatasetData {
	for len(rows) < n {
		rows = append(rows, wire.Null())
	}
	return rows
}

// Current returns path's rows without touching subscriptions; the UI engine
// uses it to replay values to a freshly subscribing UI peripheral.
func (s *Store) Current(path wire.DatasetPath, owner identity.NodeId) []wire.DatasetData {
	abs := Resolve(path, owner)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(abs)
}

// Subscribe registers the local UI engine's interest in path for owner and
// returns the current value for replay. Implements ui.DatasetHost.
func (s *Store) Subscribe(path wire.DatasetPath, owner identity.NodeId) []wire.DatasetData {
	abs := Resolve(path, owner)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribe(abs, subscriberKey{isUi: true})
	return s.load(abs)
}

func (s *Store) Unsubscribe(path wire.DatasetPath, owner identity.NodeId) {
	abs := Resolve(path, owner)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribe(abs, subscriberKey{isUi: true})
}

// SubscribePeripheral registers a remote peripheral's interest in path,
// replaying the current value immediately over the link.
func (s *Store) SubscribePeripheral(path wire.DatasetPath, owner identity.NodeId, rel identity.Relation) {
	abs := Resolve(path, owner)
	s.mu.Lock()
	s.subscribe(abs, subscriberKey{rel: rel})
	rows := s.load(abs)
	s.mu.Unlock()
	_ = s.link.SendTo(rel, wire.Message{Dataset: &wire.DatasetMessage{Dataset: &wire.DatasetDataMsg{Path: path, Data: rows}}})
}

// DropSubscriber forgets every subscription rel holds; called once its
// link is gone.
func (s *Store) DropSubscriber(rel identity.Relation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, set := range s.subscriptions {
		delete(set, subscriberKey{rel: rel})
		if len(set) == 0 {
			delete(s.subscriptions, k)
		}
	}
}

func (s *Store) subscribe(path wire.AbsoluteDatasetPath, key subscriberKey) {
	k := path.String()
	if s.subscriptions[k] == nil {
		s.subscriptions[k] = map[subscriberKey]struct{}{}
	}
	s.subscriptions[k][key] = struct{}{}
}

func (s *Store) unsubscribe(path wire.AbsoluteDatasetPath, key subscriberKey) {
	k := path.String()
	if s.subscriptions[k] != nil {
		delete(s.subscriptions[k], key)
	}
}

func (s *Store) notify(path wire.AbsoluteDatasetPath, rows []wire.DatasetData) {
	k := path.String()
	s.mu.Lock()
	subs := make([]subscriberKey, 0, len(s.subscriptions[k]))
	for key := range s.subscriptions[k] {
		subs = append(subs, key)
	}
	s.mu.Unlock()

	hasUi := false
	relPath := wire.DatasetPath{Scope: path.Scope, Name: path.Name}
	for _, key := range subs {
		if key.isUi {
			hasUi = true
			continue
		}
		_ = s.link.SendTo(key.rel, wire.Message{Dataset: &wire.DatasetMessage{Dataset: &wire.DatasetDataMsg{Path: relPath, Data: rows}}})
	}
	if hasUi {
		s.ui.DatasetChanged(path, rows)
	}
}
