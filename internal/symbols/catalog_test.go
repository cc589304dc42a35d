package symbols

import "testing"

func TestCatalogReplaceAndLookup(t *testing.T) {
	t.Parallel()

	c := NewCatalog()
	c.Replace([]Spec{
		{ID: 1, Name: "eurusd", Digits: 5},
		{ID: 2, Name: "XAUUSD", Digits: 2},
	})

	id, ok := c.IDByName("EURUSD")
	if !ok || id != 1 {
		t.Errorf("IDByName(EURUSD) = (%d, %v), want (1, true)", id, ok)
	}
	// Lookup is case-insensitive via upper-casing
	if id, ok := c.IDByName("xauusd"); !ok || id != 2 {
		t.Errorf("IDByName(xauusd) = (%d, %v), want (2, true)", id, ok)
	}

	spec, ok := c.SpecByID(1)
	if !ok || spec.Name != "EURUSD" {
		t.Errorf("SpecByID(1) = (%+v, %v), want upper-cased EURUSD", spec, ok)
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
}

func TestCatalogNeverFabricates(t *testing.T) {
	t.Parallel()

	c := NewCatalog()
	c.Replace([]Spec{{ID: 1, Name: "EURUSD"}})

	if _, ok := c.IDByName("GBPUSD"); ok {
		t.Error("IDByName returned ok for unknown symbol")
	}
	if _, ok := c.SpecByID(99); ok {
		t.Error("SpecByID returned ok for unknown id")
	}
}

func TestCatalogClear(t *testing.T) {
	t.Parallel()

	c := NewCatalog()
	c.Replace([]Spec{{ID: 1, Name: "EURUSD"}})
	c.Clear()

	if c.Len() != 0 {
		t.Errorf("Len after Clear = %d, want 0", c.Len())
	}
	if _, ok := c.IDByName("EURUSD"); ok {
		t.Error("IDByName returned ok after Clear")
	}
}

func TestMapperNormalize(t *testing.T) {
	t.Parallel()

	m := NewMapper("fx.", ".pro", map[string]string{"GOLD": "XAUUSD"})

	cases := []struct {
		in, want string
	}{
		{"fx.EURUSD.pro", "EURUSD"},
		{"FX.eurusd.PRO", "EURUSD"},
		{"EURUSD", "EURUSD"},
		{"gold", "XAUUSD"},  // custom map wins
		{"fx.GOLD", "GOLD"}, // custom map matches the raw name only
	}
	for _, c := range cases {
		if got := m.Normalize(c.in); got != c.want {
			t.Errorf("Normalize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestMapperResolve(t *testing.T) {
	t.Parallel()

	c := NewCatalog()
	c.Replace([]Spec{{ID: 7, Name: "XAUUSD"}})
	m := NewMapper("", "", map[string]string{"GOLD": "XAUUSD"})

	id, ok := m.Resolve(c, "GOLD")
	if !ok || id != 7 {
		t.Errorf("Resolve(GOLD) = (%d, %v), want (7, true)", id, ok)
	}
	if _, ok := m.Resolve(c, "SILVER"); ok {
		t.Error("Resolve returned ok for unmapped symbol")
	}
}
