package session

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// ScaleLimit is the coarsest map scale a working area may be downloaded at.
const ScaleLimit = 5000

// Validation error codes.
const (
	CodeInvalidPermalink = "INVALID_PERMALINK"
	CodeMissingParameter = "MISSING_PARAMETER"
	CodeScaleTooCoarse   = "SCALE_TOO_COARSE"
	CodeUnknownContext   = "UNKNOWN_CONTEXT"
	CodeInvalidCentre    = "INVALID_CENTRE"
	CodeUnknownDossier   = "UNKNOWN_DOSSIER"
	CodeMissingDossier   = "MISSING_DOSSIER"
)

// ValidationError reports input rejected before any remote call.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsValidationError reports whether err wraps a *ValidationError, and
// returns it.
func IsValidationError(err error) (*ValidationError, bool) {
	var v *ValidationError
	ok := errors.As(err, &v)
	return v, ok
}

func invalid(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Contexts are the permalink context values the service knows.
var Contexts = []string{
	"metropole", "guadeloupe", "stmartin", "stbarthelemy",
	"guyane", "reunion", "mayotte", "martinique",
}

// Contexts served by the antilles zone.
var antilles = map[string]bool{
	"guadeloupe":   true,
	"stmartin":     true,
	"stbarthelemy": true,
	"martinique":   true,
}

var (
	permalinkPattern = regexp.MustCompile(`^(https?://(\w+[\w\-.:/])+)\?((&+)?(\w+)=?([\w\-.:,]+?)?)+(&+)?$`)
	centrePattern    = regexp.MustCompile(`^-?\d+,-?\d+$`)
)

// Permalink is a validated portal link selecting a working area.
type Permalink struct {
	Raw     string `json:"permalink"`
	Context string `json:"context"`
	// Zone is the service zone of Context.
	Zone string `json:"zone"`
	// CenterX and CenterY are Web Mercator meters.
	CenterX int `json:"centre_x"`
	CenterY int `json:"centre_y"`
	Scale   int `json:"echelle"`
}

// ParsePermalink validates a permalink such as
// https://pro.geofoncier.fr/index.php?&centre=-196406,5983255&context=metropole&echelle=2000
func ParsePermalink(raw string) (*Permalink, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, invalid(CodeMissingParameter, "permalink is empty")
	}
	if !permalinkPattern.MatchString(raw) {
		return nil, invalid(CodeInvalidPermalink, "permalink %q is not valid", raw)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, invalid(CodeInvalidPermalink, "permalink %q: %v", raw, err)
	}
	q := u.Query()

	context, centre := q.Get("context"), q.Get("centre")
	if context == "" || centre == "" {
		return nil, invalid(CodeMissingParameter, "parameters context and centre are mandatory")
	}
	scale, err := strconv.Atoi(q.Get("echelle"))
	if err != nil {
		return nil, invalid(CodeMissingParameter, "parameter echelle is mandatory and must be an integer")
	}
	if scale > ScaleLimit {
		return nil, invalid(CodeScaleTooCoarse, "scale 1:%d exceeds 1:%d, zoom in before downloading", scale, ScaleLimit)
	}

	known := false
	for _, c := range Contexts {
		if c == context {
			known = true
			break
		}
	}
	if !known {
		return nil, invalid(CodeUnknownContext, "context %q is not one of %s", context, strings.Join(Contexts, ", "))
	}

	if !centrePattern.MatchString(centre) {
		return nil, invalid(CodeInvalidCentre, "centre %q must be two integers x,y", centre)
	}
	xy := strings.SplitN(centre, ",", 2)
	x, errX := strconv.Atoi(xy[0])
	y, errY := strconv.Atoi(xy[1])
	if errX != nil || errY != nil {
		return nil, invalid(CodeInvalidCentre, "centre %q is out of range", centre)
	}

	return &Permalink{
		Raw:     raw,
		Context: context,
		Zone:    ZoneOf(context),
		CenterX: x,
		CenterY: y,
		Scale:   scale,
	}, nil
}

// ZoneOf maps a permalink context to its service zone.
func ZoneOf(context string) string {
	if antilles[context] {
		return "antilles"
	}
	return context
}
