// Package crm holds the CRM webhook payload model and the lookups used to
// recover a deal's first-touch UTM.
package crm

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/AngelCh415/adspend-attribution/internal/models"
)

var ErrInvalidPayload = errors.New("invalid webhook payload")

// Custom field ids carrying the UTM touch on a deal.
const (
	FieldUTMSource   int64 = 434731
	FieldUTMMedium   int64 = 434727
	FieldUTMCampaign int64 = 434729
	FieldUTMContent  int64 = 434725
	FieldUTMTerm     int64 = 434733
)

// FlexInt accepts both JSON numbers and numeric strings.
type FlexInt int64

func (f *FlexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		fl, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return errors.Wrapf(err, "not an integer: %s", s)
		}
		n = int64(fl)
	}
	*f = FlexInt(n)
	return nil
}

// FlexString keeps scalar field values as text whatever their JSON type.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	if string(b) == "null" {
		*f = ""
		return nil
	}
	*f = FlexString(b)
	return nil
}

type FieldValue struct {
	Value FlexString `json:"value"`
}

type CustomField struct {
	FieldID   FlexInt      `json:"field_id"`
	FieldName string       `json:"field_name,omitempty"`
	FieldCode string       `json:"field_code,omitempty"`
	Values    []FieldValue `json:"values"`
}

func (c CustomField) first() string {
	if len(c.Values) == 0 {
		return ""
	}
	return strings.TrimSpace(string(c.Values[0].Value))
}

type Contact struct {
	ID                 FlexInt       `json:"id"`
	CustomFieldsValues []CustomField `json:"custom_fields_values"`
	Embedded           struct {
		Leads []struct {
			ID FlexInt `json:"id"`
		} `json:"leads"`
	} `json:"_embedded"`
}

// Deal is one CRM lead record as delivered by webhooks and the REST API.
type Deal struct {
	ID                 FlexInt       `json:"id"`
	Name               string        `json:"name"`
	Price              FlexString    `json:"price"`
	PipelineID         FlexInt       `json:"pipeline_id"`
	StatusID           FlexInt       `json:"status_id"`
	CreatedAt          FlexInt       `json:"created_at"`
	UpdatedAt          FlexInt       `json:"updated_at"`
	ClosedAt           FlexInt       `json:"closed_at"`
	CustomFieldsValues []CustomField `json:"custom_fields_values"`
	Embedded           struct {
		Contacts []Contact `json:"contacts"`
	} `json:"_embedded"`
}

func (d Deal) Created() time.Time {
	if d.CreatedAt <= 0 {
		return time.Time{}
	}
	return time.Unix(int64(d.CreatedAt), 0).UTC()
}

// Closed is when the deal was won or lost, falling back to its last update.
// Zero when the CRM sent neither.
func (d Deal) Closed() time.Time {
	switch {
	case d.ClosedAt > 0:
		return time.Unix(int64(d.ClosedAt), 0).UTC()
	case d.UpdatedAt > 0:
		return time.Unix(int64(d.UpdatedAt), 0).UTC()
	}
	return time.Time{}
}

// Amount parses the deal price. Unparseable prices count as zero.
func (d Deal) Amount() decimal.Decimal {
	p, err := decimal.NewFromString(strings.TrimSpace(string(d.Price)))
	if err != nil {
		return decimal.Zero
	}
	return p
}

// Payload is the status-change envelope the CRM posts.
type Payload struct {
	Leads struct {
		Status []Deal `json:"status"`
		Add    []Deal `json:"add"`
	} `json:"leads"`
}

// Records returns status changes followed by newly added deals.
func (p Payload) Records() []Deal {
	out := make([]Deal, 0, len(p.Leads.Status)+len(p.Leads.Add))
	out = append(out, p.Leads.Status...)
	return append(out, p.Leads.Add...)
}

func (p Payload) IDs() []int64 {
	recs := p.Records()
	ids := make([]int64, len(recs))
	for i, d := range recs {
		ids[i] = int64(d.ID)
	}
	return ids
}

// ParsePayload accepts a JSON object or a JSON string that itself holds the object.
func ParsePayload(body []byte) (Payload, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return Payload{}, errors.Wrap(ErrInvalidPayload, "empty body")
	}
	if body[0] == '"' {
		var inner string
		if err := json.Unmarshal(body, &inner); err != nil {
			return Payload{}, errors.Wrap(ErrInvalidPayload, err.Error())
		}
		body = []byte(inner)
	}
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Payload{}, errors.Wrap(ErrInvalidPayload, err.Error())
	}
	return p, nil
}

// ExtractUTM reads the UTM custom fields of a deal.
func ExtractUTM(fields []CustomField) models.UTM {
	var u models.UTM
	for _, f := range fields {
		v := f.first()
		if v == "" {
			continue
		}
		switch int64(f.FieldID) {
		case FieldUTMSource:
			u.Source = v
		case FieldUTMMedium:
			u.Medium = v
		case FieldUTMCampaign:
			u.Campaign = v
		case FieldUTMContent:
			u.Content = v
		case FieldUTMTerm:
			u.Term = v
		}
	}
	return u
}

// ExtractPhone returns the digits of the first contact's PHONE field.
func ExtractPhone(d Deal) string {
	if len(d.Embedded.Contacts) == 0 {
		return ""
	}
	for _, f := range d.Embedded.Contacts[0].CustomFieldsValues {
		if f.FieldCode == "PHONE" {
			if v := digits(f.first()); v != "" {
				return v
			}
		}
	}
	return ""
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
