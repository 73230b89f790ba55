package pack

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

var ErrInvalidPack = errors.New("invalid pack")

type QuestionType string

const (
	TypeMCQ     QuestionType = "mcq"
	TypeBoolean QuestionType = "boolean"
)

type Choice struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type Answer struct {
	ChoiceID string `json:"choiceId"`
}

type Question struct {
	ID      string       `json:"id"`
	Type    QuestionType `json:"type"`
	Prompt  string       `json:"prompt"`
	Choices []Choice     `json:"choices"`
	Answer  Answer       `json:"answer"`
}

type Manifest struct {
	SchemaVersion string `json:"schemaVersion"`
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`
	Author        string `json:"author,omitempty"`
	License       string `json:"license,omitempty"`
}

type Pack struct {
	Manifest  Manifest   `json:"manifest"`
	Questions []Question `json:"questions"`
}

// Load reads and validates a pack from a JSON file.
func Load(path string) (*Pack, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

func Read(r io.Reader) (*Pack, error) {
	var p Pack
	dec := json.NewDecoder(r)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPack, err)
	}
	if err := Validate(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks structural invariants: unique ids, enough choices per
// question type, and an answer that references an existing choice.
func Validate(p *Pack) error {
	if len(p.Questions) == 0 {
		return fmt.Errorf("%w: pack has no questions", ErrInvalidPack)
	}
	seen := make(map[string]bool, len(p.Questions))
	for i, q := range p.Questions {
		if q.ID == "" {
			return fmt.Errorf("%w: question %d has no id", ErrInvalidPack, i)
		}
		if seen[q.ID] {
			return fmt.Errorf("%w: duplicate question id %s", ErrInvalidPack, q.ID)
		}
		seen[q.ID] = true
		if q.Prompt == "" {
			return fmt.Errorf("%w: question %s has no prompt", ErrInvalidPack, q.ID)
		}
		switch q.Type {
		case TypeMCQ:
			if len(q.Choices) < 2 {
				return fmt.Errorf("%w: question %s needs at least 2 choices", ErrInvalidPack, q.ID)
			}
		case TypeBoolean:
			if len(q.Choices) != 2 {
				return fmt.Errorf("%w: boolean question %s needs exactly 2 choices", ErrInvalidPack, q.ID)
			}
		default:
			return fmt.Errorf("%w: question %s has unknown type %q", ErrInvalidPack, q.ID, q.Type)
		}
		choiceIDs := make(map[string]bool, len(q.Choices))
		for _, c := range q.Choices {
			if c.ID == "" {
				return fmt.Errorf("%w: question %s has a choice without id", ErrInvalidPack, q.ID)
			}
			if choiceIDs[c.ID] {
				return fmt.Errorf("%w: question %s has duplicate choice id %s", ErrInvalidPack, q.ID, c.ID)
			}
			choiceIDs[c.ID] = true
		}
		if !choiceIDs[q.Answer.ChoiceID] {
			return fmt.Errorf("%w: question %s answer references unknown choice %q", ErrInvalidPack, q.ID, q.Answer.ChoiceID)
		}
	}
	return nil
}

// Sample returns a small built-in pack used by the demo binary.
func Sample() *Pack {
	return &Pack{
		Manifest: Manifest{SchemaVersion: "1", Title: "Starter Trivia"},
		Questions: []Question{
			{
				ID: "q1", Type: TypeMCQ, Prompt: "Which planet is known as the Red Planet?",
				Choices: []Choice{{ID: "a", Text: "Venus"}, {ID: "b", Text: "Mars"}, {ID: "c", Text: "Jupiter"}, {ID: "d", Text: "Mercury"}},
				Answer:  Answer{ChoiceID: "b"},
			},
			{
				ID: "q2", Type: TypeBoolean, Prompt: "The Great Wall of China is visible from the Moon.",
				Choices: []Choice{{ID: "true", Text: "True"}, {ID: "false", Text: "False"}},
				Answer:  Answer{ChoiceID: "false"},
			},
			{
				ID: "q3", Type: TypeMCQ, Prompt: "What is the smallest prime number?",
				Choices: []Choice{{ID: "a", Text: "0"}, {ID: "b", Text: "1"}, {ID: "c", Text: "2"}, {ID: "d", Text: "3"}},
				Answer:  Answer{ChoiceID: "c"},
			},
		},
	}
}
