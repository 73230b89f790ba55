package pack

import (
	"errors"
	"strings"
	"testing"
)

func TestSampleIsValid(t *testing.T) {
	if err := Validate(Sample()); err != nil {
		t.Fatalf("built-in sample pack must validate: %v", err)
	}
}

func TestReadValidPack(t *testing.T) {
	p, err := Read(strings.NewReader(`{
		"manifest": {"schemaVersion": "1", "title": "Test"},
		"questions": [
			{"id": "q1", "type": "mcq", "prompt": "2+2?",
			 "choices": [{"id": "a", "text": "3"}, {"id": "b", "text": "4"}],
			 "answer": {"choiceId": "b"}}
		]
	}`))
	if err != nil {
		t.Fatalf("should be able to read pack: %v", err)
	}
	if len(p.Questions) != 1 || p.Questions[0].ID != "q1" {
		t.Fatalf("unexpected pack contents: %+v", p)
	}
}

func TestValidateRejections(t *testing.T) {
	base := func() *Pack {
		p := Sample()
		return p
	}

	cases := []struct {
		name   string
		mutate func(*Pack)
	}{
		{"no questions", func(p *Pack) { p.Questions = nil }},
		{"duplicate question id", func(p *Pack) { p.Questions[1].ID = p.Questions[0].ID }},
		{"missing prompt", func(p *Pack) { p.Questions[0].Prompt = "" }},
		{"unknown type", func(p *Pack) { p.Questions[0].Type = "essay" }},
		{"mcq too few choices", func(p *Pack) { p.Questions[0].Choices = p.Questions[0].Choices[:1] }},
		{"boolean wrong arity", func(p *Pack) {
			p.Questions[1].Choices = append(p.Questions[1].Choices, Choice{ID: "maybe", Text: "Maybe"})
		}},
		{"duplicate choice id", func(p *Pack) { p.Questions[0].Choices[1].ID = p.Questions[0].Choices[0].ID }},
		{"answer not a choice", func(p *Pack) { p.Questions[0].Answer.ChoiceID = "nope" }},
	}
	for _, tc := range cases {
		p := base()
		tc.mutate(p)
		if err := Validate(p); !errors.Is(err, ErrInvalidPack) {
			t.Fatalf("%s: expected ErrInvalidPack, got %v", tc.name, err)
		}
	}
}

func TestReadMalformedJSON(t *testing.T) {
	if _, err := Read(strings.NewReader("{not json")); !errors.Is(err, ErrInvalidPack) {
		t.Fatalf("expected ErrInvalidPack, got %v", err)
	}
}
