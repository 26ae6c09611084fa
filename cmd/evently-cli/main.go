package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"

	"github.com/docopt/docopt-go"
)

var usage = `Evently CLI.
usage:
  evently-cli append [--host HOST] [--token TOKEN] [--selector SEL] [--key KEY] <event> <entity> <keys>...
  evently-cli fetch  [--host HOST] [--token TOKEN] <selector>
  evently-cli follow [--host HOST] [--token TOKEN] <channel>
  evently-cli claims <ledger> <roles>...

Options:
  --host <host>      Service base URL [default: http://localhost:4802]
  --token <token>    Bearer token; defaults to $EVENTLY_TOKEN
  --selector <sel>   Selector URI part for an atomic append
  --key <key>        Idempotency key
`

type opts struct {
	Append bool `docopt:"append"`
	Fetch  bool `docopt:"fetch"`
	Follow bool `docopt:"follow"`
	Claims bool `docopt:"claims"`

	Host     string   `docopt:"--host"`
	Token    string   `docopt:"--token"`
	Selector string   `docopt:"--selector"`
	Key      string   `docopt:"--key"`
	Event    string   `docopt:"<event>"`
	Entity   string   `docopt:"<entity>"`
	Keys     []string `docopt:"<keys>"`
	Sel      string   `docopt:"<selector>"`
	Channel  string   `docopt:"<channel>"`
	Ledger   string   `docopt:"<ledger>"`
	Roles    []string `docopt:"<roles>"`
}

func main() {
	o, err := docopt.ParseDoc(usage)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	var opts opts
	o.Bind(&opts)

	if opts.Token == "" {
		opts.Token = os.Getenv("EVENTLY_TOKEN")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	go func() {
		<-ctx.Done()
		defer cancel() // restore interrupt function
	}()

	if err := run(ctx, opts); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts opts) error {
	switch {
	case opts.Claims:
		doc, err := json.Marshal(struct {
			Ledger string   `json:"ledger"`
			Roles  []string `json:"roles"`
		}{opts.Ledger, opts.Roles})
		if err != nil {
			return err
		}
		fmt.Println(base64.RawURLEncoding.EncodeToString(doc))
		return nil

	case opts.Append:
		body, err := json.Marshal(struct {
			Event          string              `json:"event"`
			Entities       map[string][]string `json:"entities"`
			Data           json.RawMessage     `json:"data,omitempty"`
			IdempotencyKey string              `json:"idempotencyKey,omitempty"`
			Selector       string              `json:"selector,omitempty"`
		}{
			Event:          opts.Event,
			Entities:       map[string][]string{opts.Entity: opts.Keys},
			Data:           readStdinJSON(),
			IdempotencyKey: opts.Key,
			Selector:       opts.Selector,
		})
		if err != nil {
			return err
		}

		res, err := do(ctx, opts, http.MethodPost, "/append", bytes.NewReader(body))
		if err != nil {
			return err
		}
		defer res.Body.Close()

		fmt.Println(res.Status, res.Header.Get("Location"))
		_, err = io.Copy(os.Stdout, res.Body)
		return err

	case opts.Fetch:
		res, err := do(ctx, opts, http.MethodGet, "/selectors/"+opts.Sel+".ndjson", nil)
		if err != nil {
			return err
		}
		defer res.Body.Close()

		_, err = io.Copy(os.Stdout, res.Body)
		return err

	case opts.Follow:
		res, err := do(ctx, opts, http.MethodGet, "/notify/"+opts.Channel+"/sse", nil)
		if err != nil {
			return err
		}
		defer res.Body.Close()

		scan := bufio.NewScanner(res.Body)
		for scan.Scan() {
			fmt.Println(scan.Text())
		}
		return scan.Err()
	}
	return nil
}

func do(ctx context.Context, opts opts, method, path string, body io.Reader) (*http.Response, error) {
	u, err := url.Parse(opts.Host)
	if err != nil {
		return nil, err
	}
	u.Path = path

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+opts.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return http.DefaultClient.Do(req)
}

// readStdinJSON takes the event data document from stdin when piped.
func readStdinJSON() json.RawMessage {
	fi, err := os.Stdin.Stat()
	if err != nil || fi.Mode()&os.ModeCharDevice != 0 {
		return nil
	}
	b, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil
	}
	b = bytes.TrimSpace(b)
	if len(b) == 0 || !json.Valid(b) {
		return nil
	}
	return b
}
