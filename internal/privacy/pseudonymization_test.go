package privacy

import "testing"

func TestPseudonymizeIsStable(t *testing.T) {
	p, err := NewPseudonymizer([]byte("0123456789abcdef0123"))
	if err != nil {
		t.Fatalf("NewPseudonymizer failed: %v", err)
	}

	first, err := p.Pseudonymize("labware", "MRN-42")
	if err != nil {
		t.Fatalf("Pseudonymize failed: %v", err)
	}
	second, _ := p.Pseudonymize("labware", "MRN-42")
	if first != second {
		t.Errorf("Expected stable pseudonym, got %s and %s", first, second)
	}
	if !IsPseudonym(first) {
		t.Errorf("Expected pseudonym shape, got %s", first)
	}

	other, _ := p.Pseudonymize("other-lims", "MRN-42")
	if other == first {
		t.Error("Expected different sources to yield different pseudonyms")
	}
}

func TestPseudonymizeDependsOnKey(t *testing.T) {
	a, _ := NewPseudonymizer([]byte("0123456789abcdef0123"))
	b, _ := NewPseudonymizer([]byte("fedcba98765432100123"))

	pa, _ := a.Pseudonymize("labware", "MRN-42")
	pb, _ := b.Pseudonymize("labware", "MRN-42")
	if pa == pb {
		t.Error("Expected different keys to yield different pseudonyms")
	}
}

func TestPseudonymizePassesThroughPseudonyms(t *testing.T) {
	p, _ := NewPseudonymizer([]byte("0123456789abcdef0123"))
	first, _ := p.Pseudonymize("labware", "MRN-42")

	again, err := p.Pseudonymize("labware", first)
	if err != nil {
		t.Fatalf("Pseudonymize failed: %v", err)
	}
	if again != first {
		t.Errorf("Expected pseudonym to pass through, got %s", again)
	}
}

func TestPseudonymizerRejectsBadInput(t *testing.T) {
	if _, err := NewPseudonymizer([]byte("short")); err == nil {
		t.Error("Expected error for short key")
	}
	p, _ := NewPseudonymizer([]byte("0123456789abcdef0123"))
	if _, err := p.Pseudonymize("labware", "   "); err == nil {
		t.Error("Expected error for empty identifier")
	}
}
