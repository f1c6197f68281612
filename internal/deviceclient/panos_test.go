package deviceclient

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const inventoryResponse = `<response status="success"><result><sw-updates><versions>
<entry><version>10.1.6</version><downloaded>yes</downloaded><installed>no</installed><current>no</current></entry>
<entry><version>10.1.2</version><downloaded>yes</downloaded><installed>no</installed><current>no</current></entry>
<entry><version>10.1.3</version><downloaded>yes</downloaded><installed>yes</installed><current>yes</current></entry>
</versions></sw-updates></result></response>`

const systemInfoResponse = `<response status="success"><result><system><sw-version>10.1.6</sw-version></system></result></response>`

// fakeAppliance records every op command it receives and answers like a
// healthy management API.
type fakeAppliance struct {
	mu   sync.Mutex
	cmds []string
}

func (a *fakeAppliance) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cmd := r.URL.Query().Get("cmd")
		a.mu.Lock()
		a.cmds = append(a.cmds, cmd)
		a.mu.Unlock()

		switch {
		case strings.Contains(cmd, "<show>"):
			fmt.Fprint(w, systemInfoResponse)
		case strings.Contains(cmd, "<software><info>"):
			fmt.Fprint(w, inventoryResponse)
		default:
			fmt.Fprint(w, `<response status="success"><result/></response>`)
		}
	}
}

func (a *fakeAppliance) commands() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.cmds...)
}

func newTestClient(srv *httptest.Server) *panOSClient {
	return &panOSClient{
		baseURL:    srv.URL,
		ipAddress:  "10.0.0.1",
		apiKey:     "LUFRPT1k",
		httpClient: srv.Client(),
		logger:     zap.NewNop(),
	}
}

func requireWellFormed(t *testing.T, cmd string) {
	t.Helper()
	dec := xml.NewDecoder(strings.NewReader(cmd))
	for {
		_, err := dec.Token()
		if err == io.EOF {
			return
		}
		require.NoError(t, err, "malformed command %q", cmd)
	}
}

func TestOpCommandsAreWellFormedXML(t *testing.T) {
	app := &fakeAppliance{}
	srv := httptest.NewServer(app.handler())
	defer srv.Close()

	c := newTestClient(srv)
	ctx := context.Background()

	_, err := c.CheckSoftwareInventory(ctx)
	require.NoError(t, err)
	require.NoError(t, c.DownloadVersion(ctx, "10.1.6"))
	require.NoError(t, c.InstallVersion(ctx, "10.1.6"))
	require.NoError(t, c.Reboot(ctx))
	_, err = c.CurrentSoftwareVersion(ctx)
	require.NoError(t, err)

	cmds := app.commands()
	require.Len(t, cmds, 5)
	for _, cmd := range cmds {
		requireWellFormed(t, cmd)
	}

	// request/system blocks must close both elements.
	assert.True(t, strings.HasSuffix(cmds[0], "</software></system></request>"), "inventory: %s", cmds[0])
	assert.True(t, strings.HasSuffix(cmds[1], "</software></system></request>"), "download: %s", cmds[1])
	assert.True(t, strings.HasSuffix(cmds[2], "</software></system></request>"), "install: %s", cmds[2])
}

func TestCheckSoftwareInventoryParsesFlags(t *testing.T) {
	app := &fakeAppliance{}
	srv := httptest.NewServer(app.handler())
	defer srv.Close()

	inv, err := newTestClient(srv).CheckSoftwareInventory(context.Background())
	require.NoError(t, err)

	img, ok := inv.Image("10.1.6")
	require.True(t, ok)
	assert.True(t, img.Downloaded)
	assert.False(t, img.Installed)
	assert.False(t, img.Current)

	img, ok = inv.Image("10.1.3")
	require.True(t, ok)
	assert.True(t, img.Current)
}

func TestCleanupSkipsTargetAndCurrentImages(t *testing.T) {
	app := &fakeAppliance{}
	srv := httptest.NewServer(app.handler())
	defer srv.Close()

	c := newTestClient(srv)
	require.NoError(t, c.CleanupOldImages(context.Background(), "10.1.6"))

	var deletes []string
	for _, cmd := range app.commands() {
		if strings.Contains(cmd, "<delete>") {
			deletes = append(deletes, cmd)
		}
	}

	// 10.1.3 is running, 10.1.6 is the staged target; only 10.1.2 goes.
	require.Len(t, deletes, 1)
	assert.Contains(t, deletes[0], "<version>10.1.2</version>")
	requireWellFormed(t, deletes[0])
}

func TestOpErrorSurfacesDeviceMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<response status="error"><msg><line>Invalid credentials</line></msg></response>`)
	}))
	defer srv.Close()

	err := newTestClient(srv).Reboot(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid credentials")
}
