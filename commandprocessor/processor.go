package commandprocessor

import (
	"encoding/json"
	"os"
	"time"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/lager/v3"
	hostagent "github.com/BANADDA/host-agent"
)

//go:generate counterfeiter -o fakes/fake_command_source.go . CommandSource

type CommandSource interface {
	FetchCommands(logger lager.Logger) ([]hostagent.Command, error)
	AckCommand(logger lager.Logger, result hostagent.CommandResult) error
}

//go:generate counterfeiter -o fakes/fake_command_store.go . CommandStore

type CommandStore interface {
	CommandResult(logger lager.Logger, commandID string) (hostagent.CommandResult, bool, error)
	RecordCommandResult(logger lager.Logger, command hostagent.Command, result hostagent.CommandResult) error
}

//go:generate counterfeiter -o fakes/fake_dispatcher.go . Dispatcher

type Dispatcher interface {
	Provision(request hostagent.ProvisionRequest) (hostagent.ProvisionResponse, error)
	Terminate(rentalID, reason string) (hostagent.TerminateResponse, error)
}

const (
	CommandTypeDeploy    = "deploy"
	CommandTypeTerminate = "terminate"
)

type terminatePayload struct {
	RentalID string `json:"rental_id"`
	Reason   string `json:"reason,omitempty"`
}

// Processor consumes control-plane commands, dedupes them by id, dispatches
// to the orchestrator, and acknowledges results. A replayed command id is
// re-acked with its stored result and never reaches the orchestrator again.
type Processor struct {
	interval   time.Duration
	source     CommandSource
	store      CommandStore
	dispatcher Dispatcher
	clock      clock.Clock
	logger     lager.Logger
}

func NewProcessor(
	logger lager.Logger,
	interval time.Duration,
	source CommandSource,
	store CommandStore,
	dispatcher Dispatcher,
	clk clock.Clock,
) *Processor {
	return &Processor{
		interval:   interval,
		source:     source,
		store:      store,
		dispatcher: dispatcher,
		clock:      clk,
		logger:     logger.Session("command-processor"),
	}
}

func (p *Processor) Run(signals <-chan os.Signal, ready chan<- struct{}) error {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	close(ready)

	p.logger.Info("starting", lager.Data{"interval": p.interval.String()})

	for {
		select {
		case <-signals:
			p.logger.Info("complete")
			return nil

		case <-ticker.C():
			p.poll()
		}
	}
}

func (p *Processor) poll() {
	logger := p.logger.Session("poll")

	commands, err := p.source.FetchCommands(logger)
	if err != nil {
		logger.Error("failed-fetching-commands", err)
		return
	}

	if len(commands) == 0 {
		return
	}

	logger.Info("received-commands", lager.Data{"num-commands": len(commands)})

	for _, command := range commands {
		result := p.Process(logger, command)

		if err := p.source.AckCommand(logger, result); err != nil {
			logger.Error("failed-acking-command", err, lager.Data{"command-id": command.ID})
		}
	}
}

// Process handles a single command. An individual command failure never
// takes down the loop; it is reported in the ack.
func (p *Processor) Process(logger lager.Logger, command hostagent.Command) hostagent.CommandResult {
	logger = logger.Session("process", lager.Data{
		"command-id":   command.ID,
		"command-type": command.Type,
	})

	stored, processed, err := p.store.CommandResult(logger, command.ID)
	if err != nil {
		logger.Error("failed-checking-dedupe", err)
		return hostagent.CommandResult{CommandID: command.ID, Success: false, Message: err.Error()}
	}
	if processed {
		logger.Info("command-already-processed")
		return stored
	}

	if command.ReceivedAt.IsZero() {
		command.ReceivedAt = p.clock.Now()
	}

	result := p.dispatch(logger, command)

	if err := p.store.RecordCommandResult(logger, command, result); err != nil {
		logger.Error("failed-recording-result", err)
	}

	return result
}

func (p *Processor) dispatch(logger lager.Logger, command hostagent.Command) hostagent.CommandResult {
	switch command.Type {
	case CommandTypeDeploy:
		var request hostagent.ProvisionRequest
		if err := json.Unmarshal(command.Payload, &request); err != nil {
			logger.Error("malformed-deploy-payload", err)
			return hostagent.CommandResult{
				CommandID: command.ID,
				Success:   false,
				Message:   "malformed deploy payload: " + err.Error(),
			}
		}

		response, _ := p.dispatcher.Provision(request)
		return hostagent.CommandResult{
			CommandID: command.ID,
			Success:   response.Success,
			Message:   response.Message,
		}

	case CommandTypeTerminate:
		var payload terminatePayload
		if err := json.Unmarshal(command.Payload, &payload); err != nil {
			logger.Error("malformed-terminate-payload", err)
			return hostagent.CommandResult{
				CommandID: command.ID,
				Success:   false,
				Message:   "malformed terminate payload: " + err.Error(),
			}
		}

		reason := payload.Reason
		if reason == "" {
			reason = "terminated by control plane"
		}

		response, _ := p.dispatcher.Terminate(payload.RentalID, reason)
		return hostagent.CommandResult{
			CommandID: command.ID,
			Success:   response.Success,
			Message:   response.Message,
		}

	default:
		err := hostagent.NewError(hostagent.CodeUnsupportedCommand, "unsupported command type %q", command.Type)
		logger.Error("unsupported-command", err)
		return hostagent.CommandResult{
			CommandID: command.ID,
			Success:   false,
			Message:   err.Message,
		}
	}
}
