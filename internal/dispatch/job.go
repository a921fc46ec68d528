package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Payload caps. A job exceeding them is rejected before any transport
// call, so a malformed broadcast never partially sends.
const (
	TitleMaxLen = 80
	BodyMaxLen  = 240
)

// ErrInvalidPayload covers every caller-side payload defect.
var ErrInvalidPayload = errors.New("invalid notification payload")

var validate = validator.New()

// Job is one in-flight notification. Jobs are never persisted verbatim;
// only their delivery outcomes reach the log.
type Job struct {
	Title   string            `json:"title" validate:"required,max=80"`
	Body    string            `json:"body" validate:"required,max=240"`
	URL     string            `json:"url,omitempty" validate:"omitempty,max=1024"`
	Extra   map[string]string `json:"extra,omitempty"`
	Tag     string            `json:"tag,omitempty" validate:"omitempty,max=128"`
	Attempt int               `json:"attempt,omitempty"`
}

// Recipients selects who a job goes to: an explicit user id set, or every
// active subscription.
type Recipients struct {
	UserIDs   []string
	Broadcast bool
}

func (j *Job) Validate() error {
	if err := validate.Struct(j); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// WebPushPayload renders the JSON body the service worker unpacks on the
// other end.
func (j *Job) WebPushPayload() []byte {
	body := map[string]interface{}{
		"title": j.Title,
		"body":  j.Body,
	}
	if j.URL != "" {
		body["url"] = j.URL
	}
	if j.Tag != "" {
		body["tag"] = j.Tag
	}
	if len(j.Extra) > 0 {
		body["extra"] = j.Extra
	}
	payload, _ := json.Marshal(body)
	return payload
}

// DataFields flattens the job for token transports that carry a flat
// string map next to the visible notification.
func (j *Job) DataFields() map[string]string {
	data := make(map[string]string, len(j.Extra)+2)
	for k, v := range j.Extra {
		data[k] = v
	}
	if j.URL != "" {
		data["url"] = j.URL
	}
	if j.Tag != "" {
		data["tag"] = j.Tag
	}
	return data
}
