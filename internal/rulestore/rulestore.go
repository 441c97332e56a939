// Package rulestore is the persistent tree of interception rule files and
// folders shown in the management UI: a handler implementation reads rule
// content from here to decide what to rewrite or block. Folders and files
// share one bucket and are distinguished by IsDir, matching the single
// rule_file table (with an is_dir column) the desktop shell's schema
// collapsed its original two-table rule_dir/rule_file design into.
package rulestore

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketRuleFiles = []byte("rule_files")

// ErrNotFound is returned when an operation references a rule file id that
// does not exist.
var ErrNotFound = errors.New("rulestore: rule file not found")

// Node is one row of the rule file tree: a folder (IsDir true, Content
// unused) or a file (IsDir false, Content holding the rule script/body).
type Node struct {
	ID        uint64    `json:"id"`
	Name      string    `json:"name"`
	IsDir     bool      `json:"isDir"`
	ParentID  *uint64   `json:"parentId,omitempty"`
	Content   string    `json:"content,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TreeNode is a Node plus its children, sorted folders-first then by name —
// the shape the management UI's file tree renders directly.
type TreeNode struct {
	Node
	Children []*TreeNode `json:"children,omitempty"`
}

// Store is a bbolt-backed rule file tree. The zero value is not usable;
// construct with Open.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("rulestore: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRuleFiles)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("rulestore: create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert creates a new node (id == nil) or updates an existing one's name
// and parent. Content is never set here (use UpdateContent), mirroring the
// shell's upsert_rule_file command, which never touches content on an upsert.
func (s *Store) Upsert(id *uint64, name string, isDir bool, parentID *uint64) (uint64, error) {
	var resultID uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuleFiles)

		var node Node
		if id != nil {
			data := b.Get(idKey(*id))
			if data == nil {
				return ErrNotFound
			}
			if err := json.Unmarshal(data, &node); err != nil {
				return err
			}
			node.Name = name
			node.ParentID = parentID
		} else {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			node = Node{ID: seq, Name: name, IsDir: isDir, ParentID: parentID}
		}
		node.UpdatedAt = time.Now()

		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		resultID = node.ID
		return b.Put(idKey(node.ID), data)
	})
	return resultID, err
}

// Delete removes id and, recursively, every descendant — the bbolt
// replacement for the shell schema's ON DELETE CASCADE foreign key.
func (s *Store) Delete(id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuleFiles)
		if b.Get(idKey(id)) == nil {
			return ErrNotFound
		}
		return deleteSubtree(b, id)
	})
}

func deleteSubtree(b *bolt.Bucket, id uint64) error {
	children, err := childrenOf(b, id)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := deleteSubtree(b, c.ID); err != nil {
			return err
		}
	}
	return b.Delete(idKey(id))
}

func childrenOf(b *bolt.Bucket, parentID uint64) ([]Node, error) {
	var children []Node
	err := b.ForEach(func(_, v []byte) error {
		var n Node
		if err := json.Unmarshal(v, &n); err != nil {
			return err
		}
		if n.ParentID != nil && *n.ParentID == parentID {
			children = append(children, n)
		}
		return nil
	})
	return children, err
}

// Content returns the content of the file (not folder) identified by id.
func (s *Store) Content(id uint64) (string, error) {
	node, err := s.get(id)
	if err != nil {
		return "", err
	}
	return node.Content, nil
}

// UpdateContent overwrites the content of the file identified by id.
func (s *Store) UpdateContent(id uint64, content string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuleFiles)
		data := b.Get(idKey(id))
		if data == nil {
			return ErrNotFound
		}
		var node Node
		if err := json.Unmarshal(data, &node); err != nil {
			return err
		}
		node.Content = content
		node.UpdatedAt = time.Now()
		updated, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return b.Put(idKey(id), updated)
	})
}

func (s *Store) get(id uint64) (Node, error) {
	var node Node
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRuleFiles).Get(idKey(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &node)
	})
	return node, err
}

// Tree returns the full rule file tree, folders sorted before files at
// each level and ties broken by name.
func (s *Store) Tree() ([]*TreeNode, error) {
	var all []Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuleFiles).ForEach(func(_, v []byte) error {
			var n Node
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			all = append(all, n)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	byParent := make(map[uint64][]*TreeNode)
	var roots []*TreeNode
	nodes := make(map[uint64]*TreeNode, len(all))
	for _, n := range all {
		nodes[n.ID] = &TreeNode{Node: n}
	}
	for _, n := range all {
		tn := nodes[n.ID]
		if n.ParentID == nil {
			roots = append(roots, tn)
		} else {
			byParent[*n.ParentID] = append(byParent[*n.ParentID], tn)
		}
	}

	var attach func(tn *TreeNode)
	attach = func(tn *TreeNode) {
		children := byParent[tn.ID]
		sortNodes(children)
		tn.Children = children
		for _, c := range children {
			attach(c)
		}
	}
	sortNodes(roots)
	for _, r := range roots {
		attach(r)
	}
	return roots, nil
}

func sortNodes(nodes []*TreeNode) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].IsDir != nodes[j].IsDir {
			return nodes[i].IsDir // folders first
		}
		return nodes[i].Name < nodes[j].Name
	})
}

func idKey(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}
