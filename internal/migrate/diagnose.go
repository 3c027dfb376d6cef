package migrate

import (
	"context"
	"errors"
	"fmt"

	"github.com/arefed/slackmigrate/internal/slack"
)

// Diagnosis reports why a source channel may not be downloadable.
type Diagnosis struct {
	Channel  slack.Channel
	Findings []string

	// Identity is the user the source credential authenticates as, when the
	// credential check passes.
	Identity string
}

// Accessible reports whether the probes found no blocking condition.
func (d *Diagnosis) Accessible() bool {
	return len(d.Findings) == 0
}

// DiagnoseChannel probes a source channel: credential check, metadata fetch,
// then a single-message history read. Each blocking condition becomes a
// finding.
func (m *Migrator) DiagnoseChannel(ctx context.Context, name string) (*Diagnosis, error) {
	channels, err := m.archive.LoadChannels()
	if err != nil {
		return nil, fmt.Errorf("loading channel list (run download first): %w", err)
	}

	selected, err := selectChannels(channels, []string{name})
	if err != nil {
		return nil, err
	}

	diag := &Diagnosis{Channel: selected[0]}

	auth, err := m.source.AuthTest(ctx)
	if err != nil {
		diag.Findings = append(diag.Findings, classifyProbeError("credential check", err))
		return diag, nil
	}

	diag.Identity = auth.User

	info, err := m.source.ChannelInfo(ctx, diag.Channel.ID)
	if err != nil {
		diag.Findings = append(diag.Findings, classifyProbeError("metadata fetch", err))
		return diag, nil
	}

	diag.Channel = *info

	if info.IsArchived {
		diag.Findings = append(diag.Findings, "channel is archived; unarchive it before downloading")
	}

	if info.IsPrivate && !info.IsMember {
		diag.Findings = append(diag.Findings, "private channel without membership; invite the source credential")
	}

	if _, err := m.source.ChannelHistory(ctx, slack.HistoryOptions{
		Channel: info.ID,
		Limit:   1,
	}, nil); err != nil {
		diag.Findings = append(diag.Findings, classifyProbeError("history probe", err))
	}

	return diag, nil
}

func classifyProbeError(probe string, err error) string {
	var apiErr *slack.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Sprintf("%s failed: %v", probe, err)
	}

	switch {
	case apiErr.Kind == slack.KindAuth:
		return fmt.Sprintf("%s rejected the credential (%s)", probe, apiErr.Code)
	case apiErr.Code == "channel_not_found":
		return fmt.Sprintf("%s: channel not visible to the credential", probe)
	case apiErr.Code == "not_in_channel":
		return fmt.Sprintf("%s: credential is not a member; public channels are joined automatically during download", probe)
	default:
		return fmt.Sprintf("%s failed: %s", probe, apiErr.Code)
	}
}
