// Package uplink implements the client side of the remote collection API.
// Readings are pushed in batches; the remote confirms how many records it
// processed. Authentication is a pre-shared key attached to every call.
package uplink

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	supa "github.com/nedpals/supabase-go"
)

const (
	uploadTimeout = time.Second * 10
	probeTimeout  = time.Second * 5
)

// UploadResult is the remote's answer to one batch upload.
type UploadResult struct {
	Success          bool
	RecordsProcessed int
	Message          string
}

// Client provides an interface onto the remote collection platform.
// It hides the underlying open source supabase library and adds reconnection
// and timeout logic.
type Client struct {
	url    string
	apiKey string
	schema string
	table  string

	subClient       *supa.Client // the raw client of the underlying supabase library we are using
	shouldReconnect bool         // when true, the subClient is 'dirty' and will be re-created next time a request is made
	logger          *slog.Logger
}

// New returns a client for the collection platform at `url`. `apiKey` is the
// pre-shared key attached to every call; `table` is the remote readings
// table.
func New(url, apiKey, schema, table string) *Client {
	return &Client{
		url:             url,
		apiKey:          apiKey,
		schema:          schema,
		table:           table,
		shouldReconnect: true, // shouldReconnect is marked as true from instantiation so the connection will be made lazily on the first request
		logger:          slog.Default().With("host", url),
	}
}

// UploadBatch pushes the given readings to the remote readings table. A
// non-nil error always comes with Success=false; the rows must then be kept
// locally for a later retry.
func (c *Client) UploadBatch(readings []Reading) (UploadResult, error) {
	if len(readings) == 0 {
		return UploadResult{Success: true}, nil
	}

	c.reconnectIfNeccesary()

	// The supabase client library doesn't have good timeout support, so here we wrap the call in a timeout
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.subClient.DB.From(c.table).Insert(readings).Execute(nil)
	}()

	select {
	case <-time.After(uploadTimeout):
		c.setShouldReconnect()
		return UploadResult{Message: "timed out"}, errors.New("upload timed out")
	case err := <-errCh:
		if err != nil {
			c.setShouldReconnect()
			return UploadResult{Message: err.Error()}, fmt.Errorf("upload batch: %w", err)
		}
		return UploadResult{Success: true, RecordsProcessed: len(readings)}, nil
	}
}

// TestConnection probes the remote with a minimal query.
func (c *Client) TestConnection() bool {
	c.reconnectIfNeccesary()

	errCh := make(chan error, 1)
	go func() {
		var probe []map[string]interface{}
		errCh <- c.subClient.DB.From(c.table).Select("id").Execute(&probe)
	}()

	select {
	case <-time.After(probeTimeout):
		c.setShouldReconnect()
		return false
	case err := <-errCh:
		if err != nil {
			c.setShouldReconnect()
			return false
		}
		return true
	}
}

// createSubClient creates the open-source supabase library client with
// sensible defaults.
func (c *Client) createSubClient() {
	subClient := supa.CreateClient(c.url, c.apiKey)

	// The supabase client library doesn't have a fully featured interface,
	// here we specify the schema directly via postgrest headers.
	subClient.DB.AddHeader("Accept-Profile", c.schema)
	subClient.DB.AddHeader("Content-Profile", c.schema)

	c.subClient = subClient
}

// setShouldReconnect is called when there has been an error with the
// connection that should trigger a re-connect.
func (c *Client) setShouldReconnect() {
	c.shouldReconnect = true
}

// reconnectIfNeccesary will re-create the client if there have been problems
// with the connection.
func (c *Client) reconnectIfNeccesary() {
	if !c.shouldReconnect {
		return
	}

	c.createSubClient()
	c.shouldReconnect = false

	c.logger.Info("Created collection platform client")
}
