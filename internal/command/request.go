package command

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"callisto_daemon/internal/models"
)

var (
	ErrEmpty       = errors.New("empty command")
	ErrUnknownVerb = errors.New("unknown command")
	ErrBadArgument = errors.New("bad argument")
)

// Kind tags a parsed request.
type Kind int

const (
	KindMode Kind = iota + 1
	KindFocus
	KindStatus
	KindFormat
	KindReload
	KindQuit
	KindWatch
)

func (k Kind) String() string {
	switch k {
	case KindMode:
		return "mode"
	case KindFocus:
		return "focus"
	case KindStatus:
		return "status"
	case KindFormat:
		return "format"
	case KindReload:
		return "reload"
	case KindQuit:
		return "quit"
	case KindWatch:
		return "watch"
	}
	return "unknown"
}

// Request is one command line parsed into the closed grammar:
//
//	mode <0-9> [focus]   | <0-9>
//	focus <0-63>
//	format <parquet|csv|sqlite>
//	status | reload | quit
//	watch [on|off]
//
// plus the legacy aliases start, stop, overview, overview-continuous,
// overview-cont, overview-stop, overview-off and get.
type Request struct {
	Kind     Kind
	Mode     models.Mode
	Focus    int
	FocusSet bool // Focus was given with a mode request
	Format   string
	Watch    bool
}

var modeAliases = map[string]models.Mode{
	"start":               models.ModeContinuous,
	"stop":                models.ModeIdle,
	"overview":            models.ModeSpectralOverview,
	"overview-continuous": models.ModeAutoOverview,
	"overview-cont":       models.ModeAutoOverview,
	"overview-stop":       models.ModeContinuous,
	"overview-off":        models.ModeContinuous,
}

// Parse turns a command line into a Request. Verbs are case-insensitive.
func Parse(line string) (Request, error) {
	fields := strings.Fields(strings.ToLower(line))
	if len(fields) == 0 {
		return Request{}, ErrEmpty
	}
	verb, args := fields[0], fields[1:]

	if m, ok := modeAliases[verb]; ok {
		if len(args) != 0 {
			return Request{}, fmt.Errorf("%w: %s takes no arguments", ErrBadArgument, verb)
		}
		return Request{Kind: KindMode, Mode: m}, nil
	}

	switch verb {
	case "mode":
		if len(args) < 1 || len(args) > 2 {
			return Request{}, fmt.Errorf("%w: usage: mode <0-9> [focus]", ErrBadArgument)
		}
		return parseMode(args[0], args[1:])
	case "focus":
		if len(args) != 1 {
			return Request{}, fmt.Errorf("%w: usage: focus <0-63>", ErrBadArgument)
		}
		fc, err := parseFocus(args[0])
		if err != nil {
			return Request{}, err
		}
		return Request{Kind: KindFocus, Focus: fc}, nil
	case "format":
		if len(args) != 1 {
			return Request{}, fmt.Errorf("%w: usage: format <parquet|csv|sqlite>", ErrBadArgument)
		}
		return Request{Kind: KindFormat, Format: args[0]}, nil
	case "status", "get":
		return noArgs(KindStatus, verb, args)
	case "reload":
		return noArgs(KindReload, verb, args)
	case "quit", "exit":
		return noArgs(KindQuit, verb, args)
	case "watch":
		switch {
		case len(args) == 0 || len(args) == 1 && args[0] == "on":
			return Request{Kind: KindWatch, Watch: true}, nil
		case len(args) == 1 && args[0] == "off":
			return Request{Kind: KindWatch}, nil
		}
		return Request{}, fmt.Errorf("%w: usage: watch [on|off]", ErrBadArgument)
	}

	if len(verb) == 1 && verb[0] >= '0' && verb[0] <= '9' && len(args) == 0 {
		return parseMode(verb, nil)
	}
	return Request{}, fmt.Errorf("%w: %q", ErrUnknownVerb, verb)
}

func noArgs(k Kind, verb string, args []string) (Request, error) {
	if len(args) != 0 {
		return Request{}, fmt.Errorf("%w: %s takes no arguments", ErrBadArgument, verb)
	}
	return Request{Kind: k}, nil
}

func parseMode(code string, rest []string) (Request, error) {
	n, err := strconv.Atoi(code)
	if err != nil {
		return Request{}, fmt.Errorf("%w: mode %q is not a number", ErrBadArgument, code)
	}
	m, err := models.ModeFromCode(n)
	if err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrBadArgument, err)
	}
	req := Request{Kind: KindMode, Mode: m}
	if len(rest) == 1 {
		fc, err := parseFocus(rest[0])
		if err != nil {
			return Request{}, err
		}
		req.Focus, req.FocusSet = fc, true
	}
	return req, nil
}

func parseFocus(s string) (int, error) {
	fc, err := strconv.Atoi(s)
	if err != nil || !models.ValidFocusCode(fc) {
		return 0, fmt.Errorf("%w: focus code %q must be %d-%d", ErrBadArgument, s, models.MinFocusCode, models.MaxFocusCode)
	}
	return fc, nil
}
