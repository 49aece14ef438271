// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ack

import "container/list"

// unackedSet is an insertion-ordered map from receipt handle to identifier.
// The front of the list holds the oldest entry.
type unackedSet struct {
	order *list.List
	index map[string]*list.Element
}

func newUnackedSet() *unackedSet {
	return &unackedSet{
		order: list.New(),
		index: make(map[string]*list.Element),
	}
}

// put stores id under its receipt handle. An existing key keeps its position
// and only has its value replaced. Reports whether a new key was added.
func (s *unackedSet) put(id Identifier) bool {
	if e, ok := s.index[id.ReceiptHandle]; ok {
		e.Value = id
		return false
	}
	s.index[id.ReceiptHandle] = s.order.PushBack(id)
	return true
}

// remove deletes the entry for receiptHandle and reports whether it existed.
func (s *unackedSet) remove(receiptHandle string) bool {
	e, ok := s.index[receiptHandle]
	if !ok {
		return false
	}
	s.order.Remove(e)
	delete(s.index, receiptHandle)
	return true
}

func (s *unackedSet) contains(receiptHandle string) bool {
	_, ok := s.index[receiptHandle]
	return ok
}

func (s *unackedSet) len() int {
	return s.order.Len()
}

// removeOldest evicts the front entry.
func (s *unackedSet) removeOldest() (Identifier, bool) {
	e := s.order.Front()
	if e == nil {
		return Identifier{}, false
	}
	id := s.order.Remove(e).(Identifier)
	delete(s.index, id.ReceiptHandle)
	return id, true
}

// snapshot copies the entries in insertion order.
func (s *unackedSet) snapshot() []Identifier {
	ids := make([]Identifier, 0, s.order.Len())
	for e := s.order.Front(); e != nil; e = e.Next() {
		ids = append(ids, e.Value.(Identifier))
	}
	return ids
}

func (s *unackedSet) clear() int {
	n := s.order.Len()
	s.order.Init()
	s.index = make(map[string]*list.Element)
	return n
}

// evictIfOverCapacity drops the single oldest entry when the set holds more
// than capacity entries. A non-positive capacity never evicts.
func evictIfOverCapacity(s *unackedSet, capacity int) (Identifier, bool) {
	if capacity <= 0 || s.len() <= capacity {
		return Identifier{}, false
	}
	return s.removeOldest()
}
