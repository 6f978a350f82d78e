package replay

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/veskel/taskpulse/internal/config"
)

// Playbook scripts one task from first frame to terminal state. Submitting
// a prompt that mentions a playbook's name replays that playbook; anything
// else replays the default.
type Playbook struct {
	Name   string       `yaml:"name"`
	Steps  []ScriptStep `yaml:"steps"`
	Result string       `yaml:"result,omitempty"`
	// Fail ends the task with a failure instead of a result.
	Fail string `yaml:"fail,omitempty"`
}

// ScriptStep is one frame of a playbook. Event names the frame type and
// is passed through verbatim, so scripts can exercise event types the
// client has never heard of.
type ScriptStep struct {
	Event    string          `yaml:"event"`
	Text     string          `yaml:"text,omitempty"`
	Question string          `yaml:"question,omitempty"`
	Delay    config.Duration `yaml:"delay,omitempty"`
}

// Validate checks a playbook is runnable.
func (p *Playbook) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("playbook has no name")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("playbook %q has no steps", p.Name)
	}
	for i, step := range p.Steps {
		if step.Event == "" {
			return fmt.Errorf("playbook %q step %d has no event", p.Name, i)
		}
		if step.Event == "ask_human" && step.Question == "" {
			return fmt.Errorf("playbook %q step %d asks without a question", p.Name, i)
		}
	}
	return nil
}

// LoadDir reads every *.yaml and *.yml playbook in dir, sorted by file
// name so replay order is stable.
func LoadDir(dir string) ([]Playbook, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read playbook dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var books []Playbook
	for _, name := range names {
		book, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		books = append(books, book)
	}
	return books, nil
}

// LoadFile reads one playbook file.
func LoadFile(path string) (Playbook, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return Playbook{}, fmt.Errorf("read playbook %s: %w", filepath.Base(path), err)
	}
	var book Playbook
	if err := yaml.Unmarshal(buf, &book); err != nil {
		return Playbook{}, fmt.Errorf("parse playbook %s: %w", filepath.Base(path), err)
	}
	if err := book.Validate(); err != nil {
		return Playbook{}, err
	}
	return book, nil
}

// Select picks the playbook whose name appears in the prompt, falling
// back to the first one.
func Select(books []Playbook, prompt string) Playbook {
	lower := strings.ToLower(prompt)
	for _, book := range books {
		if strings.Contains(lower, strings.ToLower(book.Name)) {
			return book
		}
	}
	return books[0]
}

// Default returns the built-in demo playbook. It walks through every
// frame type the client renders: narrative steps, progress markers, a
// saved file, and a human question.
func Default() Playbook {
	ms := func(d int) config.Duration { return config.Duration(time.Duration(d) * time.Millisecond) }
	return Playbook{
		Name: "demo",
		Steps: []ScriptStep{
			{Event: "think", Text: "Breaking the request into three steps", Delay: ms(600)},
			{Event: "log", Text: "Executing step 1/3", Delay: ms(300)},
			{Event: "tool", Text: `web_search(query="latest quarterly numbers")`, Delay: ms(900)},
			{Event: "run", Text: "python generate_chart.py --format png", Delay: ms(700)},
			{Event: "log", Text: "Executing step 2/3", Delay: ms(300)},
			{Event: "act", Text: "Content successfully saved to out/report.png", Delay: ms(500)},
			{Event: "ask_human", Question: "Should the report include a full appendix?", Delay: ms(400)},
			{Event: "log", Text: "Executing step 3/3", Delay: ms(300)},
			{Event: "message", Text: "Assembling the final document", Delay: ms(800)},
		},
		Result: "# Quarterly Report\n\nThe chart was generated and saved to `out/report.png`.\n\n" +
			"- Revenue trends plotted across four quarters\n" +
			"- Outliers annotated inline\n" +
			"- Source data cached for the next run\n",
	}
}
