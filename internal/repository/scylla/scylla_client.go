package scylla

import (
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/util"
)

// PreparedStatements holds the statements the profile repository executes.
type PreparedStatements struct {
	InsertProfile      string
	InsertEmailIndex   string
	InsertPhoneIndex   string
	InsertSubjectIndex string
	GetProfileByID     string
	GetEmailIndex      string
	GetPhoneIndex      string
	GetSubjectIndex    string
	UpdateProfile      string
	UpdateSubject      string
	DeleteEmailIndex   string
	DeletePhoneIndex   string
	DeleteSubjectIndex string
}

type ScyllaClient struct {
	Session  *gocql.Session
	config   *config.ScyllaConfig
	Prepared *PreparedStatements
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 util.GetEnv("SCYLLA_CA_FILE", "/root/certs/ca.pem"),
			CertPath:               util.GetEnv("SCYLLA_CERT_FILE", "/root/certs/server.pem"),
			KeyPath:                util.GetEnv("SCYLLA_KEY_FILE", "/root/certs/server.key"),
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session:  session,
		config:   &scyllaConfig,
		Prepared: prepareStatements(),
	}

	util.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace),
	)

	return client, nil
}

const profileColumns = `profile_bucket, profile_id, first_name, last_name, email, phone,
	external_subject_id, address, city, state, tenth_percentage, twelfth_percentage,
	degree, degree_cgpa, created_at, updated_at`

func prepareStatements() *PreparedStatements {
	return &PreparedStatements{
		InsertProfile: fmt.Sprintf(`INSERT INTO profiles_by_id (%s)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, profileColumns),
		InsertEmailIndex:   `INSERT INTO profiles_by_email (email, profile_id) VALUES (?, ?) IF NOT EXISTS`,
		InsertPhoneIndex:   `INSERT INTO profiles_by_phone (phone, profile_id) VALUES (?, ?)`,
		InsertSubjectIndex: `INSERT INTO profiles_by_subject (subject_id, profile_id) VALUES (?, ?) IF NOT EXISTS`,
		GetProfileByID:     fmt.Sprintf(`SELECT %s FROM profiles_by_id WHERE profile_bucket = ? AND profile_id = ?`, profileColumns),
		GetEmailIndex:      `SELECT profile_id FROM profiles_by_email WHERE email = ?`,
		GetPhoneIndex:      `SELECT profile_id FROM profiles_by_phone WHERE phone = ?`,
		GetSubjectIndex:    `SELECT profile_id FROM profiles_by_subject WHERE subject_id = ?`,
		UpdateProfile: `UPDATE profiles_by_id SET first_name = ?, last_name = ?, email = ?, phone = ?,
			external_subject_id = ?, address = ?, city = ?, state = ?, tenth_percentage = ?,
			twelfth_percentage = ?, degree = ?, degree_cgpa = ?, updated_at = ?
			WHERE profile_bucket = ? AND profile_id = ?`,
		UpdateSubject: `UPDATE profiles_by_id SET external_subject_id = ?, updated_at = ?
			WHERE profile_bucket = ? AND profile_id = ?`,
		DeleteEmailIndex:   `DELETE FROM profiles_by_email WHERE email = ?`,
		DeletePhoneIndex:   `DELETE FROM profiles_by_phone WHERE phone = ?`,
		DeleteSubjectIndex: `DELETE FROM profiles_by_subject WHERE subject_id = ?`,
	}
}

// ScanWithRetry scans a single-row query, retrying transient errors.
func (c *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = query.Scan(dest...)
		if err == nil || err == gocql.ErrNotFound {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}
	return err
}

func (c *ScyllaClient) ExecuteBatch(batch *gocql.Batch) error {
	return c.Session.ExecuteBatch(batch)
}

func (c *ScyllaClient) HealthCheck() error {
	return c.Session.Query(`SELECT release_version FROM system.local`).Exec()
}

func (c *ScyllaClient) Close() {
	if c.Session != nil {
		c.Session.Close()
	}
}
