// Command step-event publishes a stage observation for a transfer onto the
// step-events topic consumed by cctp-orchestrator.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/juno-intents/cctp-orchestrator/internal/queue"
	"github.com/juno-intents/cctp-orchestrator/internal/stepevents"
	"github.com/juno-intents/cctp-orchestrator/internal/transfer"
)

func main() {
	if err := runMain(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("step-event", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	queueDriver := fs.String("queue-driver", queue.DriverKafka, "queue driver: kafka|amqp|stdio")
	queueBrokers := fs.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
	queueURL := fs.String("queue-url", "", "amqp url (required for amqp)")
	queueExchange := fs.String("queue-exchange", "", "amqp exchange")
	topic := fs.String("topic", "cctp.step_events.v1", "step events topic")

	burnTxHash := fs.String("burn-tx-hash", "", "burn transaction hash identifying the transfer")
	stage := fs.String("stage", "", "stage name (approve, burn, receiveMessage, ...)")
	state := fs.String("state", "", "stage state: pending|success|error|noop")
	txHash := fs.String("tx-hash", "", "transaction hash of the stage, if any")
	errMsg := fs.String("error-message", "", "error message for a failed stage")
	fromStdin := fs.Bool("stdin", false, "read encoded events from stdin, one per line")

	if err := fs.Parse(args); err != nil {
		return err
	}

	events, err := loadEvents(eventFlags{
		BurnTxHash:   *burnTxHash,
		Stage:        *stage,
		State:        *state,
		TxHash:       *txHash,
		ErrorMessage: *errMsg,
	}, *fromStdin, stdin, time.Now())
	if err != nil {
		return err
	}

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:   *queueDriver,
		Brokers:  queue.SplitCommaList(*queueBrokers),
		URL:      *queueURL,
		Exchange: *queueExchange,
		Writer:   stdout,
	})
	if err != nil {
		return err
	}
	defer func() { _ = producer.Close() }()

	pub, err := stepevents.NewPublisher(producer, *topic)
	if err != nil {
		return err
	}

	ctx := context.Background()
	for _, ev := range events {
		if err := pub.Publish(ctx, ev); err != nil {
			return fmt.Errorf("publish %s/%s: %w", ev.BurnTxHash, ev.Stage, err)
		}
	}
	return nil
}

type eventFlags struct {
	BurnTxHash   string
	Stage        string
	State        string
	TxHash       string
	ErrorMessage string
}

func loadEvents(f eventFlags, fromStdin bool, stdin io.Reader, now time.Time) ([]stepevents.Event, error) {
	if !fromStdin {
		if strings.TrimSpace(f.BurnTxHash) == "" || strings.TrimSpace(f.Stage) == "" || strings.TrimSpace(f.State) == "" {
			return nil, errors.New("--burn-tx-hash, --stage and --state are required unless --stdin is set")
		}
		st, err := transfer.ParseStepState(f.State)
		if err != nil {
			return nil, err
		}
		ev, err := stepevents.New(f.BurnTxHash, f.Stage, st, f.TxHash, f.ErrorMessage, now)
		if err != nil {
			return nil, err
		}
		return []stepevents.Event{ev}, nil
	}

	if stdin == nil {
		return nil, errors.New("stdin is not available")
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	var out []stepevents.Event
	for i, line := range bytes.Split(b, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		ev, err := stepevents.Decode(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		out = append(out, ev)
	}
	if len(out) == 0 {
		return nil, errors.New("no events on stdin")
	}
	return out, nil
}
