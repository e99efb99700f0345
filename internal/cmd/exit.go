package cmd

import (
	stderrors "errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/marketsync/marketsync/internal/marketplace"
	"github.com/marketsync/marketsync/internal/observability"
)

// ExitWithCode logs err with foundry exit code metadata and exits.
// A nil logger writes to stderr instead.
func ExitWithCode(logger *logging.Logger, exitCode foundry.ExitCode, msg string, err error) {
	info, ok := foundry.GetExitCodeInfo(exitCode)
	if !ok {
		fmt.Fprintf(os.Stderr, "FATAL: %s: %v (exit code: %d)\n", msg, err, exitCode)
		os.Exit(int(exitCode))
	}

	if logger == nil {
		var envelope *errors.ErrorEnvelope
		switch {
		case err == nil:
			fmt.Fprintf(os.Stderr, "FATAL: %s\n", msg)
		case stderrors.As(err, &envelope) && envelope != nil:
			fmt.Fprintf(os.Stderr, "FATAL: %s [%s]: %s (correlation: %s)\n",
				msg, envelope.Code, envelope.Message, envelope.CorrelationID)
		default:
			fmt.Fprintf(os.Stderr, "FATAL: %s: %v\n", msg, err)
		}
		fmt.Fprintf(os.Stderr, "Exit Code: %d (%s) - %s\n", info.Code, info.Name, info.Description)
		os.Exit(info.Code)
	}

	fields := []zap.Field{
		zap.Int("exit_code", info.Code),
		zap.String("exit_name", info.Name),
		zap.String("exit_category", info.Category),
	}
	var envelope *errors.ErrorEnvelope
	if stderrors.As(err, &envelope) && envelope != nil {
		fields = append(fields,
			zap.String("error_code", envelope.Code),
			zap.String("correlation_id", envelope.CorrelationID))
		if envelope.Context != nil {
			fields = append(fields, zap.Any("error_context", envelope.Context))
		}
	}
	var upstream *marketplace.Error
	if stderrors.As(err, &upstream) {
		fields = append(fields,
			zap.String("upstream_kind", string(upstream.Kind)),
			zap.String("endpoint_tag", upstream.EndpointTag))
	}
	fields = append(fields, zap.Error(err))
	logger.Error(msg, fields...)

	os.Exit(info.Code)
}

// ExitWithCodeStderr is ExitWithCode for failures before the logger exists.
func ExitWithCodeStderr(exitCode foundry.ExitCode, msg string, err error) {
	ExitWithCode(nil, exitCode, msg, err)
}

// exitCodeFor maps a command error onto a foundry exit code. Rejected
// credentials are a configuration problem from the operator's side.
func exitCodeFor(err error) foundry.ExitCode {
	switch marketplace.KindOf(err) {
	case marketplace.KindAuth, marketplace.KindForbidden:
		return foundry.ExitConfigInvalid
	case marketplace.KindBotBlock, marketplace.KindRateLimit, marketplace.KindServer,
		marketplace.KindNetwork, marketplace.KindProtocol:
		return foundry.ExitExternalServiceUnavailable
	}
	var envelope *errors.ErrorEnvelope
	if stderrors.As(err, &envelope) && envelope != nil {
		switch envelope.Code {
		case "CONFIG_INVALID":
			return foundry.ExitConfigInvalid
		case "EXTERNAL_SERVICE_ERROR", "SERVICE_UNAVAILABLE":
			return foundry.ExitExternalServiceUnavailable
		}
	}
	if stderrors.Is(err, os.ErrNotExist) {
		return foundry.ExitFileNotFound
	}
	return foundry.ExitFailure
}

// Exit terminates the process for a failed command.
func Exit(err error) {
	ExitWithCode(observability.CLILogger, exitCodeFor(err), "Command execution failed", err)
}
