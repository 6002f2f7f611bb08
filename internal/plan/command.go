package plan

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// NormalizeCommand converts a shell-style string, an argument list or a
// {binary|executable, args} mapping into a Command.
func NormalizeCommand(raw any) (Command, error) {
	switch v := raw.(type) {
	case nil:
		return Command{}, errors.New("command is required")
	case string:
		argv, err := shlex.Split(v)
		if err != nil {
			return Command{}, fmt.Errorf("split command %q: %w", v, err)
		}

		if len(argv) == 0 {
			return Command{}, errors.New("command cannot be empty")
		}

		return Command{Argv: argv}, nil
	case []any:
		if len(v) == 0 {
			return Command{}, errors.New("command cannot be empty")
		}

		argv := make([]string, 0, len(v))
		for _, part := range v {
			argv = append(argv, scalarString(part))
		}

		return Command{Argv: argv}, nil
	case []string:
		if len(v) == 0 {
			return Command{}, errors.New("command cannot be empty")
		}

		return Command{Argv: append([]string(nil), v...)}, nil
	case map[string]any:
		exe := scalarString(v["binary"])
		if exe == "" {
			exe = scalarString(v["executable"])
		}

		if strings.TrimSpace(exe) == "" {
			return Command{}, errors.New("command mapping requires 'binary' or 'executable'")
		}

		argv := []string{exe}

		switch args := v["args"].(type) {
		case nil:
		case string:
			argv = append(argv, args)
		case []any:
			for _, part := range args {
				argv = append(argv, scalarString(part))
			}
		default:
			return Command{}, fmt.Errorf("command args must be list or string, got %T", args)
		}

		return Command{Argv: argv}, nil
	default:
		return Command{}, fmt.Errorf("command must be string, list, or mapping, got %T", raw)
	}
}

// normalizeCommands accepts a single command or a list of commands. A list of
// plain strings is a list of commands, not one argument vector.
func normalizeCommands(raw any) ([]Command, error) {
	if raw == nil {
		return nil, nil
	}

	items, ok := raw.([]any)
	if !ok {
		cmd, err := NormalizeCommand(raw)
		if err != nil {
			return nil, err
		}

		return []Command{cmd}, nil
	}

	out := make([]Command, 0, len(items))
	for i, item := range items {
		cmd, err := NormalizeCommand(item)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}

		out = append(out, cmd)
	}

	return out, nil
}

func scalarString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}
