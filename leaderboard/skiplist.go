package leaderboard

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"

	"rewardledger/core"
)

// SkipList orders entries by (balance desc, user asc) with O(log n) updates.

const (
	maxLevel = 16
	pFactor  = 0.25
)

type node struct {
	user    core.UserID
	balance int64
	next    [maxLevel]*node
}

func (n *node) entry() Entry { return Entry{User: n.user, Balance: n.balance} }

type SkipList struct {
	mu     sync.RWMutex
	head   *node
	lvl    int
	byUser map[core.UserID]*node
	rng    *rand.Rand
}

func NewSkipList() *SkipList {
	var seed [16]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		seed = [16]byte{}
	}
	return &SkipList{
		head:   &node{},
		lvl:    1,
		byUser: map[core.UserID]*node{},
		rng:    rand.New(rand.NewPCG(binary.BigEndian.Uint64(seed[:8]), binary.BigEndian.Uint64(seed[8:]))),
	}
}

func (s *SkipList) randomLevel() int {
	lvl := 1
	for lvl < maxLevel && s.rng.Float64() < pFactor {
		lvl++
	}
	return lvl
}

// before reports whether n sorts ahead of (user, balance).
func before(n *node, user core.UserID, balance int64) bool {
	if n.balance == balance {
		return n.user < user
	}
	return n.balance > balance
}

// path fills update with the last node on each level that sorts ahead of (user, balance).
func (s *SkipList) path(user core.UserID, balance int64, update *[maxLevel]*node) {
	cur := s.head
	for i := s.lvl - 1; i >= 0; i-- {
		for cur.next[i] != nil && before(cur.next[i], user, balance) {
			cur = cur.next[i]
		}
		update[i] = cur
	}
}

// Update inserts or moves user to a new balance.
func (s *SkipList) Update(user core.UserID, balance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byUser[user]; ok {
		if old.balance == balance {
			return
		}
		s.removeLocked(old)
	}
	var update [maxLevel]*node
	s.path(user, balance, &update)
	lvl := s.randomLevel()
	if lvl > s.lvl {
		for i := s.lvl; i < lvl; i++ {
			update[i] = s.head
		}
		s.lvl = lvl
	}
	n := &node{user: user, balance: balance}
	for i := 0; i < lvl; i++ {
		n.next[i] = update[i].next[i]
		update[i].next[i] = n
	}
	s.byUser[user] = n
}

func (s *SkipList) removeLocked(target *node) {
	var update [maxLevel]*node
	s.path(target.user, target.balance, &update)
	if update[0].next[0] != target {
		return
	}
	for i := 0; i < s.lvl; i++ {
		if update[i].next[i] == target {
			update[i].next[i] = target.next[i]
		}
	}
	delete(s.byUser, target.user)
	for s.lvl > 1 && s.head.next[s.lvl-1] == nil {
		s.lvl--
	}
}

func (s *SkipList) Remove(user core.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.byUser[user]; ok {
		s.removeLocked(n)
	}
}

// TopN returns the n richest users with 1-based ranks.
func (s *SkipList) TopN(n int) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 {
		return nil
	}
	out := make([]Entry, 0, min(n, len(s.byUser)))
	for cur := s.head.next[0]; cur != nil && len(out) < n; cur = cur.next[0] {
		e := cur.entry()
		e.Rank = len(out) + 1
		out = append(out, e)
	}
	return out
}

// Get returns the user's entry with its rank.
func (s *SkipList) Get(user core.UserID) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.byUser[user]
	if !ok {
		return Entry{}, false
	}
	e := n.entry()
	rank := 1
	for cur := s.head.next[0]; cur != nil && cur != n; cur = cur.next[0] {
		rank++
	}
	e.Rank = rank
	return e, true
}

func (s *SkipList) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byUser)
}

var _ Board = (*SkipList)(nil)
