package privacy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
)

// PseudonymPrefix marks identifiers produced by Pseudonymizer.
const PseudonymPrefix = "PSE-"

// Pseudonymizer replaces source patient identifiers with stable pseudonyms
// before records leave a source adapter. The mapping is one-way: the same
// (source, identifier) pair always yields the same pseudonym under one key,
// and the identifier cannot be recovered from it.
type Pseudonymizer struct {
	key []byte

	cache   map[string]string
	cacheMu sync.RWMutex
}

// NewPseudonymizer creates a pseudonymizer keyed by key.
func NewPseudonymizer(key []byte) (*Pseudonymizer, error) {
	if len(key) < 16 {
		return nil, fmt.Errorf("pseudonym key must be at least 16 bytes")
	}
	return &Pseudonymizer{
		key:   key,
		cache: make(map[string]string),
	}, nil
}

// Pseudonymize maps a source patient identifier to its pseudonym. Values
// that are already pseudonyms are returned unchanged so re-processing a
// record is harmless.
func (p *Pseudonymizer) Pseudonymize(sourceID, patientRef string) (string, error) {
	patientRef = strings.TrimSpace(patientRef)
	if patientRef == "" {
		return "", fmt.Errorf("patient identifier cannot be empty")
	}
	if IsPseudonym(patientRef) {
		return patientRef, nil
	}

	cacheKey := sourceID + ":" + patientRef

	p.cacheMu.RLock()
	if cached, ok := p.cache[cacheKey]; ok {
		p.cacheMu.RUnlock()
		return cached, nil
	}
	p.cacheMu.RUnlock()

	mac := hmac.New(sha256.New, p.key)
	mac.Write([]byte(cacheKey))
	pseudonym := PseudonymPrefix + hex.EncodeToString(mac.Sum(nil))[:32]

	p.cacheMu.Lock()
	p.cache[cacheKey] = pseudonym
	p.cacheMu.Unlock()

	return pseudonym, nil
}

// IsPseudonym reports whether s has the pseudonym shape.
func IsPseudonym(s string) bool {
	return strings.HasPrefix(s, PseudonymPrefix) && len(s) == len(PseudonymPrefix)+32
}
