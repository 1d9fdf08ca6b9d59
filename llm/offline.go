package llm

import "context"

// OfflineText is what the offline generator returns for every prompt.
const OfflineText = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor " +
	"incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud " +
	"exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat."

// Offline never touches the network. It backs test mode.
type Offline struct {
	// Calls counts Complete invocations.
	Calls int
}

func NewOffline() *Offline { return &Offline{} }

func (o *Offline) Name() string { return "offline" }

func (o *Offline) Complete(ctx context.Context, prompt string, temperature float64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", generationErr(o.Name(), err)
	}
	o.Calls++
	return OfflineText, nil
}
