package driver

import (
	"context"
)

type (
	// ElementState is what a backend reports about one matched element at query time.
	ElementState struct {
		Ref     string `json:"ref"`
		Tag     string `json:"tag"`
		Text    string `json:"text"`
		Value   string `json:"value"`
		Visible bool   `json:"visible"`
	}

	// Browser is the automation backend the Driver drives. Query never waits: it reports the
	// elements matching loc right now, in document order.
	Browser interface {
		Navigate(ctx context.Context, url string) error
		Query(ctx context.Context, loc Locator) ([]ElementState, error)
		Click(ctx context.Context, ref string) error
		Fill(ctx context.Context, ref string, value string) error
		Screenshot(ctx context.Context) ([]byte, error)
		PageSource(ctx context.Context) (string, error)
		// ConsoleLog returns the page console output captured so far.
		ConsoleLog() []string
		Close(ctx context.Context) error
	}
)
