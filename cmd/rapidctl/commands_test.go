package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	method string
	path   string
	body   map[string]any
}

func fakeNode(t *testing.T, responses map[string]string) (*httptest.Server, *[]recorded) {
	t.Helper()
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{method: r.Method, path: r.URL.RequestURI()}
		_ = json.NewDecoder(r.Body).Decode(&rec.body)
		calls = append(calls, rec)

		resp, ok := responses[r.Method+" "+r.URL.Path]
		if !ok {
			http.Error(w, "no emergency contacts configured", http.StatusUnprocessableEntity)
			return
		}
		_, _ = w.Write([]byte(resp))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func run(t *testing.T, node string, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--node", node}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestSOSSend(t *testing.T) {
	srv, calls := fakeNode(t, map[string]string{
		"POST /api/sos": `{"alert":{"id":"01ABC","method":"sms"},"delivered":true}`,
	})

	out, err := run(t, srv.URL, "", "sos", "send", "trapped", "on", "roof", "--contact", "c1")
	require.NoError(t, err)
	assert.Equal(t, "alert 01ABC delivered via sms\n", out)

	require.Len(t, *calls, 1)
	assert.Equal(t, "trapped on roof", (*calls)[0].body["message"])
	assert.Equal(t, []any{"c1"}, (*calls)[0].body["contact_ids"])
}

func TestSOSSendQueued(t *testing.T) {
	srv, _ := fakeNode(t, map[string]string{
		"POST /api/sos": `{"alert":{"id":"01ABC"},"delivered":false,"queued":true,"mesh_offered":true}`,
	})
	out, err := run(t, srv.URL, "", "sos", "send", "help")
	require.NoError(t, err)
	assert.Contains(t, out, "NOT delivered; queued for retry (mesh offered: true)")
}

func TestNodeErrorIsReturned(t *testing.T) {
	srv, _ := fakeNode(t, nil)
	_, err := run(t, srv.URL, "", "sos", "send", "help")
	require.Error(t, err)

	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	assert.Equal(t, "no emergency contacts configured", apiErr.Body)
}

func TestQueueTable(t *testing.T) {
	srv, _ := fakeNode(t, map[string]string{
		"GET /api/sos/queue": `{"alerts":[{"id":"a1","status":"pending","retry_count":2,"timestamp":"2026-03-01T12:00:00Z"}]}`,
	})
	out, err := run(t, srv.URL, "", "sos", "queue")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "a1")
	assert.Contains(t, out, "pending")
	assert.Contains(t, out, "2026-03-01T12:00:00Z")
}

func TestContactsSetFromStdin(t *testing.T) {
	srv, calls := fakeNode(t, map[string]string{"PUT /api/contacts": `{}`})
	out, err := run(t, srv.URL, `[{"id":"c1","name":"Alice","phone_number":"+15550001","is_primary":true}]`, "contacts", "set")
	require.NoError(t, err)
	assert.Equal(t, "saved 1 contacts\n", out)
	require.Len(t, *calls, 1)
	assert.Equal(t, http.MethodPut, (*calls)[0].method)

	_, err = run(t, srv.URL, "not json", "contacts", "set")
	assert.ErrorContains(t, err, "parse contacts")
}

func TestArmAndCancel(t *testing.T) {
	srv, calls := fakeNode(t, map[string]string{
		"POST /api/sos/arm":   `{"id":"cd1","trigger":"shake","fires_at":"2026-03-01T12:00:05Z"}`,
		"DELETE /api/sos/arm": ``,
	})

	out, err := run(t, srv.URL, "", "sos", "arm", "--trigger", "shake")
	require.NoError(t, err)
	assert.Contains(t, out, "countdown cd1 (shake)")
	assert.Equal(t, "shake", (*calls)[0].body["trigger"])

	out, err = run(t, srv.URL, "", "sos", "cancel", "cd1")
	require.NoError(t, err)
	assert.Equal(t, "countdown cd1 cancelled\n", out)
	assert.Equal(t, "/api/sos/arm?id=cd1", (*calls)[1].path)
}

func TestMeshSendRawJSON(t *testing.T) {
	srv, calls := fakeNode(t, map[string]string{
		"POST /api/mesh/broadcast": `{"envelope_id":"e1","status":"queued","error":"mesh: no transport available"}`,
	})
	out, err := run(t, srv.URL, "", "--json", "mesh", "send", "hello", "--to", "peer-2")
	require.NoError(t, err)

	var res map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "queued", res["status"])
	assert.Equal(t, "peer-2", (*calls)[0].body["to"])
}

func TestStatus(t *testing.T) {
	srv, _ := fakeNode(t, map[string]string{
		"GET /api/status": `{"node_id":"n1","node_name":"kit","online":true,
			"store":{"backend":"sqlite","secure_ready":true},
			"mesh":{"state":"discovering","adapter":"mqtt-local","peers":2},
			"queue":{"pending":1}}`,
	})
	out, err := run(t, srv.URL, "", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "kit (n1)")
	assert.Contains(t, out, "adapter=mqtt-local peers=2")
	assert.Contains(t, out, "pending=1 failed=0")
}

func TestMeshDiscoveryToggle(t *testing.T) {
	srv, calls := fakeNode(t, map[string]string{
		"POST /api/mesh/discovery": `{"state":"idle","adapter":"mqtt-local"}`,
		"DELETE /api/mesh/peer":    ``,
	})

	out, err := run(t, srv.URL, "", "mesh", "discovery", "off")
	require.NoError(t, err)
	assert.Equal(t, "mesh idle (adapter mqtt-local)\n", out)
	assert.Equal(t, false, (*calls)[0].body["enabled"])

	_, err = run(t, srv.URL, "", "mesh", "discovery", "maybe")
	assert.ErrorContains(t, err, "expected on or off")

	out, err = run(t, srv.URL, "", "mesh", "disconnect", "peer 7")
	require.NoError(t, err)
	assert.Equal(t, "peer peer 7 disconnected\n", out)
	assert.Equal(t, "/api/mesh/peer?id=peer+7", (*calls)[1].path)
}
