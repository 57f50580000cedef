package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playforge/arena/internal/config"
	"github.com/playforge/arena/internal/core"
	"github.com/playforge/arena/internal/game"
	"github.com/playforge/arena/internal/game/demo"
	"github.com/playforge/arena/internal/matchstore"
	"github.com/playforge/arena/internal/protocol"
	"github.com/playforge/arena/internal/testutil"
)

func freshConfig(t *testing.T) config.Server {
	t.Helper()

	cfg := config.Default()
	cfg.Terminal.Port = testutil.FreePort(t)
	cfg.Client.Port = testutil.FreePort(t)
	cfg.UI.Port = testutil.FreePort(t)
	cfg.TurnTimeout = config.TurnTimeout{
		ClientResponseTime: 150,
		SimulateTimeout:    1000,
		TurnTimeout:        200,
	}
	return cfg
}

// dialWithToken waits for the endpoint to come up, connects and sends
// the admission token.
func dialWithToken(t *testing.T, port int, token string) *protocol.Socket {
	t.Helper()

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	require.NoError(t, testutil.WaitForTCPReady(addr, 3*time.Second))

	sock, err := protocol.Dial("127.0.0.1", port)
	require.NoError(t, err)
	t.Cleanup(func() { sock.Close() })

	require.NoError(t, sock.Send(protocol.NewMessage(protocol.NameToken, token)))
	return sock
}

func receiveWithin(t *testing.T, sock *protocol.Socket, d time.Duration) *protocol.ReceivedMessage {
	t.Helper()

	type result struct {
		msg *protocol.ReceivedMessage
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := sock.Receive()
		ch <- result{msg, err}
	}()

	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.msg
	case <-time.After(d):
		t.Fatalf("no message within %v", d)
		return nil
	}
}

func runCommand(t *testing.T, term *protocol.Socket, name string, args ...string) []string {
	t.Helper()

	if args == nil {
		args = []string{}
	}
	require.NoError(t, term.Send(protocol.NewMessage(protocol.NameCommand, name, args)))

	reply := receiveWithin(t, term, 10*time.Second)
	require.Equal(t, protocol.NameReport, reply.Name)
	var lines []string
	require.NoError(t, reply.Arg(0, &lines))
	return lines
}

// TestFullMatchFlow drives a whole deployment over the wire: operator
// terminal, spectator UI and two players, from newGame to exit.
func TestFullMatchFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e tests in short mode")
	}

	cfg := freshConfig(t)
	cfg.UI.Enable = true
	cfg.OutputHandler = config.OutputHandler{
		SendToUI:     true,
		TimeInterval: 50,
	}

	srv, err := core.NewServer(context.Background(), cfg, demo.NewGame)
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	ctx, _ := testutil.ContextWithCancel(t)
	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run(ctx) }()

	term := dialWithToken(t, cfg.Terminal.Port, cfg.Terminal.Token)
	require.Equal(t, protocol.NameInit, receiveWithin(t, term, 3*time.Second).Name)

	// newGame blocks until the spectator and both players have arrived;
	// issue it first, then bring the clients up.
	require.NoError(t, term.Send(protocol.NewMessage(protocol.NameCommand, "newGame",
		[]string{"players=2", "turns=4", "tokenPrefix=e2e", "decayEvery=2"})))

	ui := dialWithToken(t, cfg.UI.Port, cfg.UI.Token)
	players := []*protocol.Socket{
		dialWithToken(t, cfg.Client.Port, "e2e-0"),
		dialWithToken(t, cfg.Client.Port, "e2e-1"),
	}

	reply := receiveWithin(t, term, 10*time.Second)
	require.Equal(t, protocol.NameReport, reply.Name)
	var lines []string
	require.NoError(t, reply.Arg(0, &lines))
	require.Len(t, lines, 3)
	assert.Equal(t, "New game created.", lines[0])
	assert.Contains(t, lines[1], "e2e-0")
	assert.Contains(t, lines[2], "e2e-1")

	require.Equal(t, protocol.NameInit, receiveWithin(t, ui, 3*time.Second).Name)
	for i, p := range players {
		require.Equal(t, protocol.NameInit, receiveWithin(t, p, 3*time.Second).Name,
			"player %d initial message", i)
	}

	assert.Equal(t, []string{"Game started."}, runCommand(t, term, "startGame"))

	// The operator boosts player 0 mid-match.
	require.NoError(t, term.Send(protocol.NewMessage(protocol.NameEvent,
		game.Event{Type: demo.EventAdd, Args: []string{"0", "10"}})))

	// Player 0 answers every turn update until the shutdown marker.
	turns := 0
	var lastScores []int
	for {
		msg := receiveWithin(t, players[0], 5*time.Second)
		if msg.Name == protocol.NameShutdown {
			break
		}
		require.Equal(t, protocol.NameTurn, msg.Name)
		turns++
		require.NoError(t, msg.Arg(2, &lastScores))

		ev := []game.Event{{Type: demo.EventAdd, Args: []string{"3"}}}
		require.NoError(t, players[0].Send(protocol.NewMessage(protocol.NameEvent, ev)))
	}
	assert.Equal(t, 3, turns, "turn updates before the shutdown marker")

	require.NotEmpty(t, lastScores)
	assert.GreaterOrEqual(t, lastScores[0], 9, "operator boost never reached the match")

	// The spectator feed delivers the queued updates in order.
	assert.Equal(t, protocol.NameTurn, receiveWithin(t, ui, 3*time.Second).Name)

	assert.Equal(t, []string{"Game finished."}, runCommand(t, term, "waitForFinish"))
	assert.Equal(t, "Game finished.", runCommand(t, term, "status")[0])

	assert.Equal(t, []string{"Shutting down."}, runCommand(t, term, "exit"))
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after exit")
	}
}

// TestMatchPersistenceFlow runs a match against a real database and
// checks the recorded lifecycle: match row, per-turn timings, message
// batches and the output file.
func TestMatchPersistenceFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e tests in short mode")
	}

	dsn := testutil.SetupTestDB(t)
	ctx := context.Background()
	require.NoError(t, matchstore.RunMigrations(ctx, dsn))

	cfg := freshConfig(t)
	cfg.Database.Enable = true
	cfg.Database.DatabaseConfig = dbConfigFromDSN(t, dsn)
	cfg.OutputHandler = config.OutputHandler{
		SendToFile: true,
		FilePath:   filepath.Join(t.TempDir(), "match.log"),
		BufferSize: 2,
	}

	srv, err := core.NewServer(ctx, cfg, demo.NewGame)
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	require.NoError(t, srv.Start())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.NewGame([]string{"players=1", "turns=3", "tokenPrefix=db", "decayEvery=100"},
			time.Second, 5*time.Second)
	}()
	dialWithToken(t, cfg.Client.Port, "db-0")

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("newGame did not complete")
	}

	require.NoError(t, srv.StartGame())
	require.NoError(t, srv.WaitForFinish())

	store, err := matchstore.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	var matchID string
	require.NoError(t, store.Pool().QueryRow(ctx,
		`SELECT id::text FROM matches`).Scan(&matchID))

	// FinishMatch is stamped by a watcher goroutine; give it a moment.
	require.Eventually(t, func() bool {
		var finished *time.Time
		err := store.Pool().QueryRow(ctx,
			`SELECT finished_at FROM matches WHERE id::text = $1`, matchID).Scan(&finished)
		return err == nil && finished != nil
	}, 5*time.Second, 50*time.Millisecond, "match was never stamped finished")

	var turnCount int
	require.NoError(t, store.Pool().QueryRow(ctx,
		`SELECT count(*) FROM match_turns WHERE match_id::text = $1`, matchID).Scan(&turnCount))
	assert.Equal(t, 3, turnCount)

	// Two messages per turn, batches of two, and the final turn's pair is
	// dropped by the output shutdown: turns 1 and 2 are on record.
	var msgCount int
	require.NoError(t, store.Pool().QueryRow(ctx,
		`SELECT count(*) FROM match_messages WHERE match_id::text = $1`, matchID).Scan(&msgCount))
	assert.Equal(t, 4, msgCount)

	data, err := os.ReadFile(cfg.OutputHandler.FilePath)
	require.NoError(t, err)
	fileLines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, fileLines, 4)
	for _, line := range fileLines {
		var m struct {
			Name string `json:"name"`
		}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		assert.Contains(t, []string{protocol.NameTurn, protocol.NameStatus}, m.Name)
	}
}

// dbConfigFromDSN splits a postgres URL into the config fields the
// server builds its own DSN from.
func dbConfigFromDSN(t *testing.T, dsn string) config.DatabaseConfig {
	t.Helper()

	u, err := url.Parse(dsn)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	password, _ := u.User.Password()

	return config.DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   strings.TrimPrefix(u.Path, "/"),
		SSLMode:  u.Query().Get("sslmode"),
	}
}
