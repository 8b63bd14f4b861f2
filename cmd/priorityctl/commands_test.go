package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"maps"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truemark/albpriority/allocator"
	"github.com/truemark/albpriority/logging"
	"github.com/truemark/albpriority/priority"
)

const testListener = "arn:aws:elasticloadbalancing:us-east-1:123456789012:listener/app/alb/abc/def"

type memStore struct {
	mu        sync.Mutex
	records   map[int]priority.Record
	initErr   error
	ensured   bool
	initCalls int
}

func newMemStore() *memStore {
	return &memStore{records: map[int]priority.Record{}}
}

func (m *memStore) FindByService(_ context.Context, listenerID, serviceID string) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for p, r := range m.records {
		if r.ListenerID == listenerID && r.ServiceID == serviceID {
			return p, true, nil
		}
	}

	return 0, false, nil
}

func (m *memStore) ListPriorities(_ context.Context, _ string) (priority.Set, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := priority.NewSet()
	for p := range m.records {
		s.Add(p)
	}

	return s, nil
}

func (m *memStore) TryInsert(_ context.Context, listenerID, serviceID string, p int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[p]; ok {
		return false, nil
	}

	m.records[p] = priority.Record{
		ListenerID:  listenerID,
		Priority:    p,
		ServiceID:   serviceID,
		AllocatedAt: time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC),
		Source:      "CLI",
	}

	return true, nil
}

func (m *memStore) Delete(_ context.Context, _ string, p int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, p)

	return nil
}

func (m *memStore) ListRecords(_ context.Context, _ string) ([]priority.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]priority.Record, 0, len(m.records))
	for _, p := range slices.Sorted(maps.Keys(m.records)) {
		out = append(out, m.records[p])
	}

	return out, nil
}

func (m *memStore) Init(_ context.Context, _ bool) error {
	m.initCalls++
	return m.initErr
}

type creatingStore struct {
	*memStore
}

func (c creatingStore) EnsureTable(_ context.Context) error {
	c.ensured = true
	return nil
}

type fixedRules struct {
	used []int
}

func (f fixedRules) ListPriorities(_ context.Context, _ string) (priority.Set, error) {
	return priority.NewSet(f.used...), nil
}

func testApp(s store, rules allocator.RuleSource) *app {
	return &app{
		logger: logging.Noop(),
		openStore: func(_ context.Context, _ *app) (store, func(), error) {
			return s, func() {}, nil
		},
		openRules: func(_ context.Context, _ *app) (allocator.RuleSource, error) {
			return rules, nil
		},
	}
}

func run(t *testing.T, a *app, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	cmd := newRootCmd(a)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)

	err := cmd.Execute()

	return out.String(), err
}

func TestAllocate_UsesRulesAndStore(t *testing.T) {
	s := newMemStore()
	a := testApp(s, fixedRules{used: []int{1, 2}})

	out, err := run(t, a, "allocate", "--listener", testListener, "--service", "web")
	require.NoError(t, err)
	assert.Equal(t, "3\n", out)

	out, err = run(t, a, "allocate", "--listener", testListener, "--service", "web")
	require.NoError(t, err)
	assert.Equal(t, "3\n", out, "allocation is idempotent")
}

func TestAllocate_NoRules(t *testing.T) {
	a := testApp(newMemStore(), fixedRules{used: []int{1, 2}})

	out, err := run(t, a, "allocate", "--listener", testListener, "--service", "web", "--no-rules", "--preferred", "7")
	require.NoError(t, err)
	assert.Equal(t, "7\n", out)
}

func TestAllocate_RequiresFlags(t *testing.T) {
	a := testApp(newMemStore(), fixedRules{})

	_, err := run(t, a, "allocate", "--listener", testListener)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service")
}

func TestRelease(t *testing.T) {
	s := newMemStore()
	a := testApp(s, fixedRules{})

	_, err := run(t, a, "allocate", "--listener", testListener, "--service", "web")
	require.NoError(t, err)

	_, err = run(t, a, "release", "--listener", testListener, "--service", "web")
	require.NoError(t, err)
	assert.Empty(t, s.records)

	_, err = run(t, a, "release", "--listener", testListener, "--service", "web")
	assert.NoError(t, err, "releasing an unknown service is a no-op")
}

func TestList_Text(t *testing.T) {
	s := newMemStore()
	_, _ = s.TryInsert(t.Context(), testListener, "b", 20)
	_, _ = s.TryInsert(t.Context(), testListener, "a", 3)

	out, err := run(t, testApp(s, fixedRules{}), "list", "--listener", testListener)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "a")
	assert.True(t, strings.HasPrefix(strings.TrimSpace(lines[0]), "3"))
	assert.True(t, strings.HasPrefix(strings.TrimSpace(lines[1]), "20"))
}

func TestList_JSON(t *testing.T) {
	s := newMemStore()
	_, _ = s.TryInsert(t.Context(), testListener, "a", 5)

	out, err := run(t, testApp(s, fixedRules{}), "list", "--listener", testListener, "--format", "json")
	require.NoError(t, err)

	var records []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 1)
	assert.Equal(t, float64(5), records[0]["priority"])
	assert.Equal(t, testListener, records[0]["listenerId"])
	assert.Equal(t, "a", records[0]["serviceId"])
	assert.Equal(t, "2024-01-15T12:00:00Z", records[0]["allocatedAt"])
	assert.Equal(t, "CLI", records[0]["source"])
}

func TestList_Empty(t *testing.T) {
	out, err := run(t, testApp(newMemStore(), fixedRules{}), "list", "--listener", testListener)
	require.NoError(t, err)
	assert.Equal(t, "No allocations found.\n", out)
}

func TestList_UnknownFormat(t *testing.T) {
	_, err := run(t, testApp(newMemStore(), fixedRules{}), "list", "--listener", testListener, "--format", "yaml")
	assert.Error(t, err)
}

func TestEnsureTable(t *testing.T) {
	s := creatingStore{newMemStore()}

	out, err := run(t, testApp(s, fixedRules{}), "ensure-table")
	require.NoError(t, err)

	assert.True(t, s.ensured)
	assert.Equal(t, 1, s.initCalls)
	assert.Equal(t, "Table alb-listener-priorities is ready.\n", out)
}

func TestVerifyTable(t *testing.T) {
	s := newMemStore()

	out, err := run(t, testApp(s, fixedRules{}), "verify-table", "--table", "custom")
	require.NoError(t, err)
	assert.Equal(t, "Table custom is valid.\n", out)

	s.initErr = errors.New("missing GSI")

	_, err = run(t, testApp(s, fixedRules{}), "verify-table")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing GSI")
}

func TestBackendDefaults(t *testing.T) {
	s := newMemStore()
	a := testApp(s, fixedRules{})

	out, err := run(t, a, "--backend", "postgres", "verify-table")
	require.NoError(t, err)
	assert.Equal(t, "Table listener_priorities is valid.\n", out)

	_, err = run(t, testApp(s, fixedRules{}), "--backend", "mysql", "verify-table")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backend")
}

func TestPostgresPoolFlags(t *testing.T) {
	a := testApp(newMemStore(), fixedRules{})

	_, err := run(t, a, "--backend", "postgres", "verify-table")
	require.NoError(t, err)
	base := len(postgresOptions(a))

	a = testApp(newMemStore(), fixedRules{})

	_, err = run(t, a, "--backend", "postgres",
		"--pg-max-conns", "8",
		"--pg-min-conns", "2",
		"--pg-max-conn-lifetime", "30m",
		"--pg-max-conn-idle-time", "5m",
		"verify-table")
	require.NoError(t, err)

	assert.Equal(t, int32(8), a.pg.maxConns)
	assert.Equal(t, int32(2), a.pg.minConns)
	assert.Equal(t, 30*time.Minute, a.pg.maxConnLifetime)
	assert.Equal(t, 5*time.Minute, a.pg.maxConnIdleTime)
	assert.Len(t, postgresOptions(a), base+4)
}
