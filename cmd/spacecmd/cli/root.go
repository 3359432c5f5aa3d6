// Package cli implements the spacecmd operator commands over the clearingd
// HTTP API.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const (
	envEndpoint     = "SPACECOMMAND_ENDPOINT"
	envToken        = "SPACECOMMAND_TOKEN"
	defaultEndpoint = "http://localhost:7090"
)

type options struct {
	endpoint string
	token    string
	timeout  time.Duration
	out      io.Writer
}

func (o *options) client() (*Client, error) {
	return NewClient(o.endpoint, o.token, o.timeout)
}

// call performs one API request and prints the response.
func (o *options) call(ctx context.Context, method, path string, query url.Values, body any) error {
	c, err := o.client()
	if err != nil {
		return err
	}
	payload, err := c.Do(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	return o.print(payload)
}

func (o *options) print(payload []byte) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		_, err := fmt.Fprintln(o.out, "ok")
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, payload, "", "  "); err != nil {
		_, err = o.out.Write(payload)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(o.out)
	return err
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewRootCmd assembles the command tree. Output is written to out.
func NewRootCmd(out io.Writer) *cobra.Command {
	opts := &options{out: out}
	root := &cobra.Command{
		Use:           "spacecmd",
		Short:         "Operate a clearingd collateral clearinghouse",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&opts.endpoint, "endpoint", envOr(envEndpoint, defaultEndpoint), "clearingd base URL (env "+envEndpoint+")")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv(envToken), "bearer token (env "+envToken+")")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(
		poolCmd(opts),
		vaultsCmd(opts),
		liquidateCmd(opts),
		collectCmd(opts),
		distressedCmd(opts),
		buyCmd(opts),
		routeCmd(opts),
		depositCmd(opts),
		withdrawCmd(opts),
		accountCmd(opts),
		transferCmd(opts),
		shareValueCmd(opts),
		eventsCmd(opts),
		adminCmd(opts),
		tokenCmd(opts),
	)
	return root
}
