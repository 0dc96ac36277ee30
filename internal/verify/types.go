package verify

import "time"

const (
	// NotFoundURL is persisted as image_url when no candidate image carried the target text.
	NotFoundURL = "n/a"
	// DefaultTargetText is the label searched for when none is configured.
	DefaultTargetText = "Nutrition Facts"
)

// Job is one pending verification request read from the queue store.
type Job struct {
	Key       string   `json:"key"`
	ProductID string   `json:"product_id"`
	URLs      []string `json:"images_urls"`
}

// Outcome is the result of checking one product's candidate images.
// Matched implies URL is set; an unmatched outcome leaves URL empty.
type Outcome struct {
	ProductID   string    `json:"product_id"`
	Matched     bool      `json:"matched"`
	URL         string    `json:"url,omitempty"`
	CheckedText string    `json:"checked_text"`
	Checked     int       `json:"checked"`
	Failed      int       `json:"failed"`
	FinishedAt  time.Time `json:"finished_at"`
	// Interrupted is set when the context ended before every candidate was
	// checked. An interrupted outcome says nothing about the product.
	Interrupted bool `json:"interrupted,omitempty"`

	// Evidence holds the matching image bytes when the verifier is asked to keep them.
	Evidence []byte `json:"-"`
}

// RecordURL returns the image_url value to persist for the outcome.
func (o Outcome) RecordURL() string {
	if o.Matched && o.URL != "" {
		return o.URL
	}
	return NotFoundURL
}

// ImageRecord mirrors a row of the images table.
type ImageRecord struct {
	ID        int64  `json:"id,omitempty"`
	ProductID string `json:"product_id"`
	ImageURL  string `json:"image_url"`
	UserID    int64  `json:"user_id,omitempty"`
	ImageText string `json:"image_text"`
}
