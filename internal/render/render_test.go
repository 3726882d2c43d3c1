package render

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/coldreach/internal/domain"
)

func testContact() *domain.Contact {
	return &domain.Contact{
		ID:           "c-1",
		Email:        "ada@example.com",
		FirstName:    "Ada",
		LastName:     "Lovelace",
		Company:      "Analytical Engines Ltd",
		CustomFields: map[string]string{"city": "London"},
	}
}

func TestSpin_Deterministic(t *testing.T) {
	tpl := "{Hi|Hello|Hey} {{ first_name }}, {quick|short} {question|note}"
	a := Spin(tpl, 42)
	b := Spin(tpl, 42)
	if a != b {
		t.Fatalf("same seed gave %q and %q", a, b)
	}
	if strings.ContainsAny(strings.ReplaceAll(a, "{{ first_name }}", ""), "{}|") {
		t.Errorf("unresolved spintax in %q", a)
	}
	if !strings.Contains(a, "{{ first_name }}") {
		t.Errorf("liquid output tag was altered: %q", a)
	}
}

func TestSpin_Nested(t *testing.T) {
	seen := map[string]bool{}
	for seed := int64(0); seed < 200; seed++ {
		seen[Spin("{a|{b|c}}", seed)] = true
	}
	for _, want := range []string{"a", "b", "c"} {
		if !seen[want] {
			t.Errorf("option %q never chosen: %v", want, seen)
		}
	}
	if len(seen) != 3 {
		t.Errorf("unexpected outputs %v", seen)
	}
}

func TestSpin_LeavesLiteralsAlone(t *testing.T) {
	tests := []string{
		"no spintax here",
		"json {\"a\": 1} stays",
		"{% if first_name %}Hi {{ first_name | default: \"there\" }}{% endif %}",
	}
	for _, tpl := range tests {
		if got := Spin(tpl, 7); got != tpl {
			t.Errorf("Spin(%q) = %q", tpl, got)
		}
	}
}

func TestSpin_LiteralMarkerBytes(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"a\x00b {x|x}", "a\x00b x"},
		{"\x00{x|x}\x01", "\x00x\x01"},
		{"\x007\x01 {x|x}", "\x007\x01 x"},
		{"{\x00|\x00} {{ first_name }}", "\x00 {{ first_name }}"},
		{"{a\x00b} {x|x}", "{a\x00b} x"},
	}
	for _, tt := range tests {
		var got string
		require.NotPanics(t, func() { got = Spin(tt.in, 3) }, "input %q", tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestSeedFor_Stable(t *testing.T) {
	assert.Equal(t, SeedFor("r-1"), SeedFor("r-1"))
	assert.NotEqual(t, SeedFor("r-1"), SeedFor("r-2"))
}

func TestSelectVariant(t *testing.T) {
	variants := []domain.ABVariant{
		{ID: "a", Weight: 1, IsControl: true},
		{ID: "b", Weight: 3},
	}

	assert.Equal(t, "a", SelectVariant(variants, "", 0.0).ID)
	assert.Equal(t, "a", SelectVariant(variants, "", 0.24).ID)
	assert.Equal(t, "b", SelectVariant(variants, "", 0.25).ID)
	assert.Equal(t, "b", SelectVariant(variants, "", 0.99).ID)

	// A locked winner ignores the roll.
	for _, roll := range []float64{0, 0.5, 0.99} {
		assert.Equal(t, "a", SelectVariant(variants, "a", roll).ID)
	}
	assert.Nil(t, SelectVariant(nil, "", 0.5))
}

func TestRoll_Range(t *testing.T) {
	for _, k := range []string{"", "a", "recipient-123", "campaign:xyz"} {
		r := Roll(k)
		if r < 0 || r >= 1 {
			t.Fatalf("Roll(%q) = %v out of range", k, r)
		}
		if r != Roll(k) {
			t.Fatalf("Roll(%q) not stable", k)
		}
	}
}

func TestRender_Variables(t *testing.T) {
	r := NewRenderer()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	msg, err := r.Render(Input{
		Subject:      "Quick question, {{ first_name }}",
		Body:         "Hi {{ contact.first_name }} at {{ company | first_word }} in {{ city }}. {{ sender.name }}, {{ date.weekday }}",
		Contact:      testContact(),
		Account:      &domain.SendingAccount{Email: "me@out.example", FromName: "Grace Hopper"},
		CampaignName: "Q1",
		Now:          now,
		Strict:       true,
	})
	require.NoError(t, err)
	assert.Equal(t, "Quick question, Ada", msg.Subject)
	assert.Equal(t, "Hi Ada at Analytical in London. Grace Hopper, Monday", msg.Body)
	assert.Equal(t, "Grace Hopper", msg.FromName)
	assert.False(t, msg.IsHTML)
}

func TestRender_StrictMissingVariable(t *testing.T) {
	r := NewRenderer()
	_, err := r.Render(Input{
		Subject: "Hi {{ first_name }}",
		Body:    "Loved your work at {{ contact.employer }} in {{ region | default: \"your area\" }}",
		Contact: testContact(),
		Strict:  true,
	})
	var missing *MissingVariableError
	require.True(t, errors.As(err, &missing), "got %v", err)
	assert.Equal(t, []string{"contact.employer"}, missing.Variables)
}

func TestRender_LaxRendersBlank(t *testing.T) {
	r := NewRenderer()
	msg, err := r.Render(Input{
		Subject: "Hi",
		Body:    "From {{ contact.employer }}.",
		Contact: testContact(),
	})
	require.NoError(t, err)
	assert.Equal(t, "From .", msg.Body)
}

func TestRender_SeededPreviewIsStable(t *testing.T) {
	r := NewRenderer()
	in := Input{
		Subject: "{Hi|Hello} {{ first_name }}",
		Body:    "{I noticed|I saw} {{ company }}",
		Contact: testContact(),
		Seed:    SeedFor("recipient-9"),
	}
	a, err := r.Render(in)
	require.NoError(t, err)
	b, err := r.Render(in)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestRender_EmptyBody(t *testing.T) {
	r := NewRenderer()
	_, err := r.Render(Input{Subject: "x", Body: "{{ contact.nothing }}", Contact: testContact()})
	assert.ErrorIs(t, err, ErrEmptyContent)
}

func TestValidate_SyntaxError(t *testing.T) {
	r := NewRenderer()
	assert.NoError(t, r.Validate("Hi {{ first_name }}", "body"))
	assert.Error(t, r.Validate("ok", "{% if x %}unterminated"))
}
