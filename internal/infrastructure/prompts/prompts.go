package prompts

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/grounded-rag/internal/core/usecase"
)

type file struct {
	System          string `yaml:"system"`
	NoContextSystem string `yaml:"no_context_system"`
	DeclineSystem   string `yaml:"decline_system"`
	NotFoundAnswer  string `yaml:"not_found_answer"`
	DeclineMessage  string `yaml:"decline_message"`
	FallbackMessage string `yaml:"fallback_message"`
	ContextPreamble string `yaml:"context_preamble"`
	HistoryPreamble string `yaml:"history_preamble"`
}

// Load reads a prompt set from path. Missing keys keep their defaults;
// an empty path or missing file yields the defaults.
func Load(path string) (usecase.PromptSet, error) {
	set := usecase.DefaultPromptSet()
	if strings.TrimSpace(path) == "" {
		return set, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return set, nil
		}
		return usecase.PromptSet{}, fmt.Errorf("read prompts file: %w", err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return usecase.PromptSet{}, fmt.Errorf("parse prompts file %s: %w", path, err)
	}

	override(&set.System, f.System)
	override(&set.NoContextSystem, f.NoContextSystem)
	override(&set.DeclineSystem, f.DeclineSystem)
	override(&set.NotFoundAnswer, f.NotFoundAnswer)
	override(&set.DeclineMessage, f.DeclineMessage)
	override(&set.FallbackMessage, f.FallbackMessage)
	override(&set.ContextPreamble, f.ContextPreamble)
	override(&set.HistoryPreamble, f.HistoryPreamble)
	return set, nil
}

func override(dst *string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		*dst = v
	}
}
