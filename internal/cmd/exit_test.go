package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/require"

	apperrors "github.com/marketsync/marketsync/internal/errors"
	"github.com/marketsync/marketsync/internal/marketplace"
)

func TestExitCodeFor(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		err  error
		want foundry.ExitCode
	}{
		{"auth", &marketplace.Error{Kind: marketplace.KindAuth, Status: 401}, foundry.ExitConfigInvalid},
		{"wrapped rate limit", fmt.Errorf("baseline scan: %w", &marketplace.Error{Kind: marketplace.KindRateLimit, Status: 429}), foundry.ExitExternalServiceUnavailable},
		{"bot block", &marketplace.Error{Kind: marketplace.KindBotBlock}, foundry.ExitExternalServiceUnavailable},
		{"config envelope", apperrors.WrapConfigInvalid(ctx, errors.New("bad"), "failed to load configuration"), foundry.ExitConfigInvalid},
		{"unavailable envelope", apperrors.NewServiceUnavailableError("down"), foundry.ExitExternalServiceUnavailable},
		{"missing file", fmt.Errorf("read items: %w", os.ErrNotExist), foundry.ExitFileNotFound},
		{"other", errors.New("boom"), foundry.ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, exitCodeFor(tt.err))
		})
	}
}
