// Package scylla stores channels, messages, reactions and receipts in
// ScyllaDB. Messages are partitioned by channel and clustered by id
// descending, so the id cursor maps directly onto a clustering range.
package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/rs/zerolog/log"

	"github.com/mahaj/sitechat/pkg/apperr"
)

func newCluster(hosts []string, keyspace string) *gocql.ClusterConfig {
	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.Quorum
	cluster.Timeout = 5 * time.Second
	cluster.ConnectTimeout = 5 * time.Second
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        1 * time.Second,
	}
	return cluster
}

// Connect opens a session on keyspace.
func Connect(hosts []string, keyspace string) (*gocql.Session, error) {
	session, err := newCluster(hosts, keyspace).CreateSession()
	if err != nil {
		return nil, fmt.Errorf("connect scylla: %w", err)
	}
	log.Info().Strs("hosts", hosts).Str("keyspace", keyspace).Msg("connected to scylla")
	return session, nil
}

// Migrate creates the keyspace and every table. It is idempotent.
func Migrate(ctx context.Context, hosts []string, keyspace string, replication int) error {
	sys, err := newCluster(hosts, "system").CreateSession()
	if err != nil {
		return fmt.Errorf("connect system keyspace: %w", err)
	}
	stmt := fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = { 'class' : 'SimpleStrategy', 'replication_factor' : %d }`, keyspace, replication)
	err = sys.Query(stmt).WithContext(ctx).Exec()
	sys.Close()
	if err != nil {
		return fmt.Errorf("create keyspace: %w", err)
	}

	session, err := Connect(hosts, keyspace)
	if err != nil {
		return err
	}
	defer session.Close()
	for _, t := range Schema {
		if err := session.Query(t.CQL).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
		log.Info().Str("table", t.Name).Msg("table ready")
	}
	return nil
}

// Drop removes every table in Schema from keyspace.
func Drop(ctx context.Context, hosts []string, keyspace string) error {
	session, err := Connect(hosts, keyspace)
	if err != nil {
		return err
	}
	defer session.Close()
	for _, t := range Schema {
		if err := session.Query("DROP TABLE IF EXISTS " + t.Name).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("drop table %s: %w", t.Name, err)
		}
		log.Info().Str("table", t.Name).Msg("table dropped")
	}
	return nil
}

type Table struct {
	Name string
	CQL  string
}

var Schema = []Table{
	{"channels", `CREATE TABLE IF NOT EXISTS channels (
		id text PRIMARY KEY,
		type text,
		name text,
		avatar text,
		owner_id text,
		member_count int,
		created_at timestamp,
		last_activity_at timestamp,
		archived_at timestamp
	)`},
	{"channel_members", `CREATE TABLE IF NOT EXISTS channel_members (
		channel_id text,
		user_id text,
		joined_at timestamp,
		PRIMARY KEY (channel_id, user_id)
	)`},
	{"user_channels", `CREATE TABLE IF NOT EXISTS user_channels (
		user_id text,
		channel_id text,
		PRIMARY KEY (user_id, channel_id)
	)`},
	{"messages", `CREATE TABLE IF NOT EXISTS messages (
		channel_id text,
		id bigint,
		sender_id text,
		text text,
		message_type text,
		created_at timestamp,
		edited_at timestamp,
		deleted_at timestamp,
		reply_to bigint,
		attachments text,
		client_nonce text,
		PRIMARY KEY (channel_id, id)
	) WITH CLUSTERING ORDER BY (id DESC)`},
	{"messages_by_id", `CREATE TABLE IF NOT EXISTS messages_by_id (
		id bigint PRIMARY KEY,
		channel_id text
	)`},
	{"message_nonces", `CREATE TABLE IF NOT EXISTS message_nonces (
		channel_id text,
		sender_id text,
		nonce text,
		message_id bigint,
		PRIMARY KEY ((channel_id, sender_id), nonce)
	)`},
	{"reactions", `CREATE TABLE IF NOT EXISTS reactions (
		message_id bigint,
		emoji text,
		user_id text,
		created_at timestamp,
		PRIMARY KEY (message_id, emoji, user_id)
	)`},
	{"attachments", `CREATE TABLE IF NOT EXISTS attachments (
		id text PRIMARY KEY,
		uploader_id text,
		file_url text,
		file_name text,
		mime_type text,
		file_size bigint,
		message_id bigint
	)`},
	{"read_receipts", `CREATE TABLE IF NOT EXISTS read_receipts (
		channel_id text,
		user_id text,
		last_read_at timestamp,
		last_read_message_id bigint,
		PRIMARY KEY (channel_id, user_id)
	)`},
}

// dbErr maps driver errors onto the chat error taxonomy.
func dbErr(op string, err error, notFound string) error {
	if errors.Is(err, gocql.ErrNotFound) {
		return apperr.NotFound(notFound)
	}
	return apperr.Unavailable(op, err)
}

// Store implements the chat repositories on one session.
type Store struct {
	s *gocql.Session
}

func New(session *gocql.Session) *Store {
	return &Store{s: session}
}

func (st *Store) Close() {
	st.s.Close()
}
