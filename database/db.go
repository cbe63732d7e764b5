/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"database/sql"
	"encoding/json"
	"log"
	"time"

	"github.com/blnkfinance/reseller/config"
	"github.com/blnkfinance/reseller/internal/apierror"
	"github.com/lib/pq"
)

const uniqueViolation = "unique_violation"

type Datasource struct {
	Conn *sql.DB
}

// NewDataSource opens a PostgreSQL connection pool for the configured DSN.
// Each call returns a fresh datasource; callers own its lifecycle.
func NewDataSource(configuration *config.Configuration) (*Datasource, error) {
	con, err := ConnectDB(configuration.DataSource.Dns)
	if err != nil {
		return nil, err
	}
	return &Datasource{Conn: con}, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		log.Printf("database Connection error ❌: %v", err)
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func (d *Datasource) Close() error {
	return d.Conn.Close()
}

func isUniqueViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code.Name() == uniqueViolation
}

func wrapDBError(err error, message string) error {
	if err == sql.ErrNoRows {
		return apierror.NewAPIError(apierror.ErrNotFound, message+": not found", err)
	}
	if isUniqueViolation(err) {
		return apierror.NewAPIError(apierror.ErrConflict, message+": already exists", err)
	}
	return apierror.NewAPIError(apierror.ErrInternalServer, message, err)
}

func marshalMetaData(meta map[string]interface{}) ([]byte, error) {
	if meta == nil {
		return nil, nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}
	return b, nil
}

func unmarshalMetaData(raw []byte) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal metadata", err)
	}
	return meta, nil
}

func nullJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
