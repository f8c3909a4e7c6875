// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package state records per-vertex snapshots of the user program and the
// ACL, and rebuilds live instances from any recorded vertex for LCA
// replay. Snapshots cover the exported non-function fields of an instance
// and are deeply cloned in both directions, so a stored snapshot is
// immutable.
package state

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/luxfi/ids"

	"github.com/luxfi/drp/types"
)

var (
	ErrStateNotFound = errors.New("no snapshot recorded for vertex")
	ErrNoInstance    = errors.New("no instance type captured")
)

// Manager keeps the DRP and ACL snapshot maps, seeded at the root with
// the initial instances. The concrete instance types are captured at
// construction and used to rebuild fresh instances.
type Manager struct {
	mu sync.RWMutex

	drpType reflect.Type
	aclType reflect.Type

	drpStates map[ids.ID]types.DRPState
	aclStates map[ids.ID]types.DRPState
}

// NewManager captures the instance types of drp and acl (either may be
// nil) and records their root snapshots.
func NewManager(drp, acl any) *Manager {
	m := &Manager{
		drpStates: make(map[ids.ID]types.DRPState),
		aclStates: make(map[ids.ID]types.DRPState),
	}
	if drp != nil {
		m.drpType = structType(drp)
		m.drpStates[types.RootHash] = Capture(drp)
	}
	if acl != nil {
		m.aclType = structType(acl)
		m.aclStates[types.RootHash] = Capture(acl)
	}
	return m
}

// StoreDRP snapshots the live user program under a vertex hash.
func (m *Manager) StoreDRP(hash ids.ID, instance any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drpStates[hash] = Capture(instance)
}

// StoreACL snapshots the live ACL under a vertex hash.
func (m *Manager) StoreACL(hash ids.ID, instance any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aclStates[hash] = Capture(instance)
}

// SetDRPState installs an externally supplied snapshot.
func (m *Manager) SetDRPState(hash ids.ID, state types.DRPState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drpStates[hash] = state
}

// SetACLState installs an externally supplied snapshot.
func (m *Manager) SetACLState(hash ids.ID, state types.DRPState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aclStates[hash] = state
}

// DRPState returns the user-program snapshot at a vertex.
func (m *Manager) DRPState(hash ids.ID) (types.DRPState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.drpStates[hash]
	if !ok {
		return types.DRPState{}, fmt.Errorf("%w: %s", ErrStateNotFound, types.HashHex(hash))
	}
	return st, nil
}

// ACLState returns the ACL snapshot at a vertex.
func (m *Manager) ACLState(hash ids.ID) (types.DRPState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.aclStates[hash]
	if !ok {
		return types.DRPState{}, fmt.Errorf("%w: %s", ErrStateNotFound, types.HashHex(hash))
	}
	return st, nil
}

// HasDRPState reports whether a user-program snapshot exists for hash.
func (m *Manager) HasDRPState(hash ids.ID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.drpStates[hash]
	return ok
}

// ReconstructDRP builds a fresh user-program instance from the snapshot
// at hash.
func (m *Manager) ReconstructDRP(hash ids.ID) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.drpType == nil {
		return nil, ErrNoInstance
	}
	st, ok := m.drpStates[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStateNotFound, types.HashHex(hash))
	}
	return rebuild(m.drpType, st), nil
}

// ReconstructACL builds a fresh ACL instance from the snapshot at hash.
func (m *Manager) ReconstructACL(hash ids.ID) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.aclType == nil {
		return nil, ErrNoInstance
	}
	st, ok := m.aclStates[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStateNotFound, types.HashHex(hash))
	}
	return rebuild(m.aclType, st), nil
}

// RebuildLike allocates a fresh instance of prototype's concrete type
// and assigns the snapshot fields. Used for pre-call rollback, where the
// snapshot was captured moments earlier and never stored.
func RebuildLike(prototype any, st types.DRPState) any {
	return rebuild(structType(prototype), st)
}

// Capture snapshots the exported non-function fields of an instance,
// deeply cloning every value. Entries keep field declaration order.
func Capture(instance any) types.DRPState {
	v := reflect.ValueOf(instance)
	for v.Kind() == reflect.Pointer {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return types.DRPState{}
	}
	t := v.Type()
	entries := make([]types.DRPStateEntry, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() || field.Type.Kind() == reflect.Func {
			continue
		}
		entries = append(entries, types.DRPStateEntry{
			Key:   field.Name,
			Value: cloneValue(v.Field(i)).Interface(),
		})
	}
	return types.DRPState{State: entries}
}

// rebuild allocates a new instance of t and assigns the snapshot fields.
func rebuild(t reflect.Type, st types.DRPState) any {
	ptr := reflect.New(t)
	elem := ptr.Elem()
	for _, entry := range st.State {
		field := elem.FieldByName(entry.Key)
		if !field.IsValid() || !field.CanSet() || entry.Value == nil {
			continue
		}
		val := cloneValue(reflect.ValueOf(entry.Value))
		switch {
		case val.Type().AssignableTo(field.Type()):
			field.Set(val)
		case val.Type().ConvertibleTo(field.Type()):
			field.Set(val.Convert(field.Type()))
		}
	}
	return ptr.Interface()
}

func structType(instance any) reflect.Type {
	t := reflect.TypeOf(instance)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

// cloneValue deep-copies maps, slices, pointers and exported struct
// fields. Functions and channels are not replicated state and clone to
// their zero value.
func cloneValue(v reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			return v
		}
		out := reflect.New(v.Type().Elem())
		out.Elem().Set(cloneValue(v.Elem()))
		return out
	case reflect.Interface:
		if v.IsNil() {
			return v
		}
		out := reflect.New(v.Type()).Elem()
		out.Set(cloneValue(v.Elem()))
		return out
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out.SetMapIndex(cloneValue(iter.Key()), cloneValue(iter.Value()))
		}
		return out
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(cloneValue(v.Index(i)))
		}
		return out
	case reflect.Array:
		out := reflect.New(v.Type()).Elem()
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(cloneValue(v.Index(i)))
		}
		return out
	case reflect.Struct:
		out := reflect.New(v.Type()).Elem()
		for i := 0; i < v.NumField(); i++ {
			if !out.Field(i).CanSet() {
				continue
			}
			out.Field(i).Set(cloneValue(v.Field(i)))
		}
		return out
	case reflect.Func, reflect.Chan:
		return reflect.Zero(v.Type())
	default:
		return v
	}
}
