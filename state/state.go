// Package state holds the single durable StateData handle: identity, chord
// snapshots, directory, and installed peripheral services, all guarded by a
// mutex and serialized to one JSON file.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/spider-net/spider/identity"
)

// ChordSnapshot is the persisted view of one chord membership.
type ChordSnapshot struct {
	ListenAddr      string   `json:"listen_addr"`
	PubAddr         string   `json:"pub_addr"`
	AdvertAddr      string   `json:"advert_addr"`
	RecentPeerAddrs []string `json:"recent_peer_addrs"`
}

// DirectoryEntry is one known relation's persisted properties.
// Reserved keys: nickname (system-set), name (peer-set), blocked (system-set).
type DirectoryEntry struct {
	Relation   identity.Relation `json:"-"`
	Properties map[string]string `json:"properties"`
}

func (e DirectoryEntry) Blocked() bool {
	return e.Properties["blocked"] == "true"
}

func (e DirectoryEntry) Nickname() string { return e.Properties["nickname"] }
func (e DirectoryEntry) Name() string     { return e.Properties["name"] }

// onDiskState is the JSON schema written to state_data_path. Maps need
// string keys, so relations and roles are persisted through their base64 /
// byte encodings and rehydrated in Load.
type onDiskState struct {
	PrivateKeyPKCS8    []byte                       `json:"private_key_pkcs8"`
	SelfRole           identity.Role                `json:"self_role"`
	Name               string                       `json:"name"`
	Chords             map[string]ChordSnapshot     `json:"chords"`
	Directory          map[string]map[string]string `json:"directory"` // relation-base64 -> properties
	PeripheralServices map[string]bool              `json:"peripheral_services"`
}

// StateData is the single serialization point for everything the base
// needs to survive a restart.
type StateData struct {
	path string
	log  *logrus.Entry

	// fileMu serializes writes to path; mu guards the in-memory fields.
	// Lock order is always fileMu before mu.
	fileMu sync.Mutex
	mu     sync.Mutex

	self               identity.SelfRelation
	name               string
	chords             map[string]ChordSnapshot
	directory          map[identity.Relation]DirectoryEntry
	peripheralServices map[string]bool
}

// New creates a fresh StateData with a newly generated base identity, not
// yet persisted.
func New(path string, name string, log *logrus.Entry) (*StateData, error) {
	self, err := identity.NewSelfRelation(identity.RolePeer)
	if err != nil {
		return nil, err
	}
	return &StateData{
		path:               path,
		log:                log,
		self:               self,
		name:               name,
		chords:             map[string]ChordSnapshot{},
		directory:          map[identity.Relation]DirectoryEntry{},
		peripheralServices: map[string]bool{},
	}, nil
}

// Load reads path if it exists, generating and persisting a fresh identity
// otherwise.
func Load(path string, defaultName string, log *logrus.Entry) (*StateData, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		sd, err := New(path, defaultName, log)
		if err != nil {
			return nil, err
		}
		if err := sd.Save(); err != nil {
			return nil, err
		}
		return sd, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: reading %s: %w", path, err)
	}

	var disk onDiskState
	if err := json.Unmarshal(raw, &disk); err != nil {
		return nil, fmt.Errorf("state: parsing %s: %w", path, err)
	}

	self, err := identity.SelfRelationFromPKCS8(disk.SelfRole, disk.PrivateKeyPKCS8)
	if err != nil {
		return nil, fmt.Errorf("state: %w", err)
	}

	directory := make(map[identity.Relation]DirectoryEntry, len(disk.Directory))
	for relB64, props := range disk.Directory {
		rel, err := identity.RelationFromBase64(relB64)
		if err != nil {
			log.WithError(err).Warn("state: dropping directory entry with unreadable relation")
			continue
		}
		directory[rel] = DirectoryEntry{Relation: rel, Properties: props}
	}

	chords := disk.Chords
	if chords == nil {
		chords = map[string]ChordSnapshot{}
	}
	services := disk.PeripheralServices
	if services == nil {
		services = map[string]bool{}
	}

	return &StateData{
		path:               path,
		log:                log,
		self:               self,
		name:               disk.Name,
		chords:             chords,
		directory:          directory,
		peripheralServices: services,
	}, nil
}

// Save atomically persists the current state to disk: write a temp file,
// then rename into place.
func (s *StateData) Save() error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	s.mu.Lock()
	disk := s.snapshotLocked()
	s.mu.Unlock()

	data, err := json.MarshalIndent(disk, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("state: mkdir %s: %w", dir, err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("state: write temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("state: rename into place: %w", err)
	}
	return nil
}

func (s *StateData) snapshotLocked() onDiskState {
	pkcs8, err := s.self.PKCS8()
	if err != nil {
		s.log.WithError(err).Error("state: failed to serialize private key")
	}
	directory := make(map[string]map[string]string, len(s.directory))
	for rel, entry := range s.directory {
		directory[rel.ToBase64()] = entry.Properties
	}
	return onDiskState{
		PrivateKeyPKCS8:    pkcs8,
		SelfRole:           s.self.Role,
		Name:               s.name,
		Chords:             copyChords(s.chords),
		Directory:          directory,
		PeripheralServices: copyBoolMap(s.peripheralServices),
	}
}

func copyChords(m map[string]ChordSnapshot) map[string]ChordSnapshot {
	out := make(map[string]ChordSnapshot, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyBoolMap(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Self returns the base's own identity.
func (s *StateData) Self() identity.SelfRelation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

func (s *StateData) SelfRelation() (identity.Relation, error) {
	s.mu.Lock()
	self := s.self
	s.mu.Unlock()
	return self.Relation()
}

func (s *StateData) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *StateData) SetName(name string) {
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
}

// Directory returns a point-in-time copy of the directory.
func (s *StateData) Directory() map[identity.Relation]DirectoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[identity.Relation]DirectoryEntry, len(s.directory))
	for k, v := range s.directory {
		out[k] = v
	}
	return out
}

func (s *StateData) DirectoryEntry(rel identity.Relation) (DirectoryEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.directory[rel]
	return e, ok
}

// UpsertDirectoryProperty creates the entry if absent and sets one
// property, returning the resulting entry.
func (s *StateData) UpsertDirectoryProperty(rel identity.Relation, key, value string) DirectoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.directory[rel]
	if !ok {
		entry = DirectoryEntry{Relation: rel, Properties: map[string]string{}}
	}
	if entry.Properties == nil {
		entry.Properties = map[string]string{}
	}
	entry.Properties[key] = value
	s.directory[rel] = entry
	return entry
}

// EnsureDirectoryEntry creates a blank entry if absent, without changing an
// existing one.
func (s *StateData) EnsureDirectoryEntry(rel identity.Relation) DirectoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.directory[rel]
	if !ok {
		entry = DirectoryEntry{Relation: rel, Properties: map[string]string{}}
		s.directory[rel] = entry
	}
	return entry
}

// RemoveDirectoryEntry deletes the entry for rel, if any.
func (s *StateData) RemoveDirectoryEntry(rel identity.Relation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.directory, rel)
}

func (s *StateData) IsEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.directory) == 0
}

// Chord snapshot accessors.

func (s *StateData) SetChord(name string, snap ChordSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chords[name] = snap
}

func (s *StateData) Chord(name string) (ChordSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chords[name]
	return c, ok
}

func (s *StateData) Chords() map[string]ChordSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyChords(s.chords)
}

func (s *StateData) RemoveChord(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chords, name)
}

// Peripheral service accessors.

func (s *StateData) SetPeripheralServiceEnabled(name string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peripheralServices[name] = enabled
}

func (s *StateData) RemovePeripheralService(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peripheralServices, name)
}

func (s *StateData) PeripheralServices() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyBoolMap(s.peripheralServices)
}
