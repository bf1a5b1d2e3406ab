package adapter

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/bootjp/isokv/kv"
	"github.com/bootjp/isokv/store"
	"github.com/cockroachdb/errors"
	"github.com/tidwall/redcon"
)

//nolint:mnd
var argsLen = map[string]int{
	"PING":     1,
	"GET":      2,
	"SET":      3,
	"DEL":      -2, // negative means minimum number of args
	"EXISTS":   2,
	"SCAN":     -3,
	"BEGIN":    -1,
	"COMMIT":   1,
	"ROLLBACK": -1,
	"TXINFO":   1,
	"TXSTATS":  1,
}

const (
	defaultScanLimit = 100
	maxScanArgs      = 4
	readOnlyFlag     = "READONLY"
	connClosedReason = "connection closed"
)

type txnHandler func(ctx context.Context, tx *kv.Transaction, cmd redcon.Command) (redisResult, error)

// RedisServer speaks RESP. BEGIN opens an interactive transaction on the
// connection that COMMIT or ROLLBACK closes; data commands issued outside
// one run in their own auto-committed transaction.
type RedisServer struct {
	listen      net.Listener
	coordinator *kv.Coordinate
	log         *slog.Logger

	route map[string]func(conn redcon.Conn, cmd redcon.Command)
}

type connState struct {
	tx *kv.Transaction
}

func NewRedisServer(listen net.Listener, coordinator *kv.Coordinate) *RedisServer {
	return NewRedisServerWithLogger(listen, coordinator, slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))
}

func NewRedisServerWithLogger(listen net.Listener, coordinator *kv.Coordinate, logger *slog.Logger) *RedisServer {
	r := &RedisServer{
		listen:      listen,
		coordinator: coordinator,
		log:         logger,
	}

	r.route = map[string]func(conn redcon.Conn, cmd redcon.Command){
		"PING":     r.ping,
		"GET":      r.data(r.get, true),
		"EXISTS":   r.data(r.exists, true),
		"SCAN":     r.data(r.scan, true),
		"SET":      r.data(r.set, false),
		"DEL":      r.data(r.del, false),
		"BEGIN":    r.begin,
		"COMMIT":   r.commit,
		"ROLLBACK": r.rollback,
		"TXINFO":   r.txinfo,
		"TXSTATS":  r.txstats,
	}

	return r
}

func getConnState(conn redcon.Conn) *connState {
	if ctx := conn.Context(); ctx != nil {
		if st, ok := ctx.(*connState); ok {
			return st
		}
	}
	st := &connState{}
	conn.SetContext(st)
	return st
}

func (r *RedisServer) Run() error {
	err := redcon.Serve(r.listen,
		func(conn redcon.Conn, cmd redcon.Command) {
			name := strings.ToUpper(string(cmd.Args[0]))
			f, ok := r.route[name]
			if !ok {
				conn.WriteError("ERR unsupported command '" + string(cmd.Args[0]) + "'")
				return
			}
			if err := r.validateCmd(name, cmd); err != nil {
				conn.WriteError(err.Error())
				return
			}
			commandCounter.WithLabelValues(name).Inc()
			f(conn, cmd)
		},
		func(conn redcon.Conn) bool {
			return true
		},
		func(conn redcon.Conn, err error) {
			r.closeConn(conn)
		})

	return errors.WithStack(err)
}

func (r *RedisServer) Stop() {
	_ = r.listen.Close()
}

// closeConn aborts a transaction the client left open.
func (r *RedisServer) closeConn(conn redcon.Conn) {
	st, ok := conn.Context().(*connState)
	if !ok || st.tx == nil {
		return
	}
	tx := st.tx
	st.tx = nil
	if err := r.coordinator.Abort(context.Background(), tx, connClosedReason); err != nil {
		r.log.Warn("abort on close failed",
			slog.String("txn_id", tx.ID()),
			slog.String("error", err.Error()),
		)
		return
	}
	r.log.Info("aborted transaction left open on close",
		slog.String("txn_id", tx.ID()),
		slog.String("remote", conn.RemoteAddr()),
	)
}

func (r *RedisServer) validateCmd(name string, cmd redcon.Command) error {
	expected, ok := argsLen[name]
	if !ok {
		return nil
	}

	switch {
	case expected > 0 && len(cmd.Args) != expected:
		//nolint:wrapcheck
		return errors.WithStack(errors.Newf("ERR wrong number of arguments for '%s' command", string(cmd.Args[0])))
	case expected < 0 && len(cmd.Args) < -expected:
		//nolint:wrapcheck
		return errors.WithStack(errors.Newf("ERR wrong number of arguments for '%s' command", string(cmd.Args[0])))
	}
	return nil
}

// data runs h inside the connection's transaction, or in a fresh
// auto-committed one when none is open.
func (r *RedisServer) data(h txnHandler, readOnly bool) func(conn redcon.Conn, cmd redcon.Command) {
	return func(conn redcon.Conn, cmd redcon.Command) {
		ctx := context.Background()
		state := getConnState(conn)
		if state.tx != nil {
			res, err := h(ctx, state.tx, cmd)
			if err != nil {
				writeErr(conn, err)
				return
			}
			writeResult(conn, res)
			return
		}

		var res redisResult
		_, err := r.coordinator.RunInTransaction(ctx, kv.Options{ReadOnly: readOnly}, kv.RetryConfig{},
			func(ctx context.Context, tx *kv.Transaction) error {
				var err error
				res, err = h(ctx, tx, cmd)
				return err
			})
		if err != nil {
			writeErr(conn, err)
			return
		}
		writeResult(conn, res)
	}
}

func (r *RedisServer) ping(conn redcon.Conn, _ redcon.Command) {
	conn.WriteString("PONG")
}

func (r *RedisServer) get(ctx context.Context, tx *kv.Transaction, cmd redcon.Command) (redisResult, error) {
	v, err := r.coordinator.Get(ctx, tx, cmd.Args[1])
	if errors.Is(err, store.ErrKeyNotFound) {
		return redisResult{typ: resultNil}, nil
	}
	if err != nil {
		return redisResult{}, err
	}
	return redisResult{typ: resultBulk, bulk: v}, nil
}

func (r *RedisServer) exists(ctx context.Context, tx *kv.Transaction, cmd redcon.Command) (redisResult, error) {
	ok, err := r.coordinator.Exists(ctx, tx, cmd.Args[1])
	if err != nil {
		return redisResult{}, err
	}
	if ok {
		return redisResult{typ: resultInt, integer: 1}, nil
	}
	return redisResult{typ: resultInt, integer: 0}, nil
}

func (r *RedisServer) set(ctx context.Context, tx *kv.Transaction, cmd redcon.Command) (redisResult, error) {
	if err := r.coordinator.Set(ctx, tx, cmd.Args[1], cmd.Args[2]); err != nil {
		return redisResult{}, err
	}
	return redisResult{typ: resultString, str: "OK"}, nil
}

func (r *RedisServer) del(ctx context.Context, tx *kv.Transaction, cmd redcon.Command) (redisResult, error) {
	var n int64
	for _, key := range cmd.Args[1:] {
		existed, err := r.coordinator.Delete(ctx, tx, key)
		if err != nil {
			return redisResult{}, err
		}
		if existed {
			n++
		}
	}
	return redisResult{typ: resultInt, integer: n}, nil
}

// scan: SCAN start end [limit]. An empty end is unbounded. The reply
// alternates keys and values.
func (r *RedisServer) scan(ctx context.Context, tx *kv.Transaction, cmd redcon.Command) (redisResult, error) {
	if len(cmd.Args) > maxScanArgs {
		return redisResult{}, errors.New("wrong number of arguments for 'scan' command")
	}
	start := cmd.Args[1]
	var end []byte
	if len(cmd.Args[2]) > 0 {
		end = cmd.Args[2]
	}
	limit := defaultScanLimit
	if len(cmd.Args) == maxScanArgs {
		n, err := strconv.Atoi(string(cmd.Args[3]))
		if err != nil {
			return redisResult{}, errors.Wrap(err, "invalid limit")
		}
		limit = n
	}

	pairs, err := r.coordinator.Scan(ctx, tx, start, end, limit)
	if err != nil {
		return redisResult{}, err
	}
	arr := make([][]byte, 0, len(pairs)*2) //nolint:mnd
	for _, p := range pairs {
		arr = append(arr, p.Key, p.Value)
	}
	return redisResult{typ: resultArray, arr: arr}, nil
}

// parseBeginArgs: BEGIN [isolation-level] [READONLY], in any order.
func parseBeginArgs(args [][]byte) (kv.Options, error) {
	var opts kv.Options
	for _, a := range args {
		s := string(a)
		if strings.EqualFold(s, readOnlyFlag) {
			opts.ReadOnly = true
			continue
		}
		lvl, err := kv.ParseIsolationLevel(s)
		if err != nil {
			return kv.Options{}, errors.WithStack(err)
		}
		opts.IsolationLevel = lvl
	}
	return opts, nil
}

func (r *RedisServer) begin(conn redcon.Conn, cmd redcon.Command) {
	state := getConnState(conn)
	if state.tx != nil {
		conn.WriteError("ERR BEGIN calls can not be nested")
		return
	}
	opts, err := parseBeginArgs(cmd.Args[1:])
	if err != nil {
		writeErr(conn, err)
		return
	}
	tx, err := r.coordinator.Begin(opts)
	if err != nil {
		writeErr(conn, err)
		return
	}
	state.tx = tx
	conn.WriteString("OK")
}

func (r *RedisServer) commit(conn redcon.Conn, _ redcon.Command) {
	state := getConnState(conn)
	if state.tx == nil {
		conn.WriteError("ERR COMMIT without BEGIN")
		return
	}
	tx := state.tx
	err := r.coordinator.Commit(context.Background(), tx)
	if tx.State() != kv.StateActive {
		state.tx = nil
	}
	switch {
	case err == nil:
		txnOutcomeCounter.WithLabelValues(outcomeCommitted).Inc()
	case kv.IsConflict(err):
		txnOutcomeCounter.WithLabelValues(outcomeConflict).Inc()
	default:
		txnOutcomeCounter.WithLabelValues(outcomeFailed).Inc()
	}
	if err != nil {
		writeErr(conn, err)
		return
	}
	conn.WriteString("OK")
}

func (r *RedisServer) rollback(conn redcon.Conn, cmd redcon.Command) {
	state := getConnState(conn)
	if state.tx == nil {
		conn.WriteError("ERR ROLLBACK without BEGIN")
		return
	}
	reason := ""
	if len(cmd.Args) > 1 {
		reason = string(cmd.Args[1])
	}
	tx := state.tx
	state.tx = nil
	if err := r.coordinator.Abort(context.Background(), tx, reason); err != nil {
		writeErr(conn, err)
		return
	}
	txnOutcomeCounter.WithLabelValues(outcomeRollback).Inc()
	conn.WriteString("OK")
}

func (r *RedisServer) txinfo(conn redcon.Conn, _ redcon.Command) {
	state := getConnState(conn)
	if state.tx == nil {
		conn.WriteNull()
		return
	}
	r.writeJSON(conn, state.tx.Export())
}

func (r *RedisServer) txstats(conn redcon.Conn, _ redcon.Command) {
	r.writeJSON(conn, r.coordinator.Stats())
}

func (r *RedisServer) writeJSON(conn redcon.Conn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		writeErr(conn, errors.WithStack(err))
		return
	}
	conn.WriteBulk(b)
}
