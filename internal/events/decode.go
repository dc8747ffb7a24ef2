package events

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	apperrors "github.com/spec-kit/order-relay/pkg/util"
)

var integerLiteral = regexp.MustCompile(`^-?[0-9]+$`)

// DecodeChangeEvent validates a change-feed payload of the form
// {"order_id": ..., "location_id": ..., "category": "..."}.
// Ids may be JSON strings or integers. Any other shape yields a MalformedPayloadError.
func DecodeChangeEvent(raw []byte, now time.Time) (ChangeEvent, error) {
	const op = "events.decode"

	if !gjson.ValidBytes(raw) {
		return ChangeEvent{}, apperrors.NewMalformedPayloadError(op, errors.New("payload is not valid JSON"))
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return ChangeEvent{}, apperrors.NewMalformedPayloadError(op, errors.New("payload is not a JSON object"))
	}

	fields := gjson.GetManyBytes(raw, "order_id", "location_id", "category")

	orderID, err := identifier("order_id", fields[0])
	if err != nil {
		return ChangeEvent{}, apperrors.NewMalformedPayloadError(op, err)
	}
	locationID, err := identifier("location_id", fields[1])
	if err != nil {
		return ChangeEvent{}, apperrors.NewMalformedPayloadError(op, err)
	}

	category := fields[2]
	if category.Type != gjson.String || strings.TrimSpace(category.Str) == "" {
		return ChangeEvent{}, apperrors.NewMalformedPayloadError(op, errors.New("category must be a non-empty string"))
	}
	if strings.Contains(category.Str, ":") {
		return ChangeEvent{}, apperrors.NewMalformedPayloadError(op, errors.New("category must not contain ':'"))
	}

	return ChangeEvent{
		Type:       EventNewServiceOrder,
		OrderID:    orderID,
		LocationID: locationID,
		Category:   strings.TrimSpace(category.Str),
		ReceivedAt: now.UTC(),
	}, nil
}

func identifier(name string, r gjson.Result) (string, error) {
	switch r.Type {
	case gjson.String:
		v := strings.TrimSpace(r.Str)
		if v == "" {
			return "", fmt.Errorf("%s must not be empty", name)
		}
		if strings.Contains(v, ":") {
			return "", fmt.Errorf("%s must not contain ':'", name)
		}
		return v, nil
	case gjson.Number:
		if !integerLiteral.MatchString(r.Raw) {
			return "", fmt.Errorf("%s must be an integer", name)
		}
		return r.Raw, nil
	default:
		if !r.Exists() {
			return "", fmt.Errorf("%s is required", name)
		}
		return "", fmt.Errorf("%s has unsupported type %s", name, r.Type)
	}
}
