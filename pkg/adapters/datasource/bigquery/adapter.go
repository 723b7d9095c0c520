package bigquery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/bigquery"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/logging"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/models"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/queryset"
)

// Settings is the BigQuery view of a connection config: host is the project
// id, name is the dataset and password optionally holds service account JSON.
type Settings struct {
	ProjectID       string
	Dataset         string
	Location        string
	CredentialsJSON string
	CredentialsFile string
	// Endpoint points at an emulator; authentication is disabled with it.
	Endpoint string
}

func FromConnectionConfig(cfg models.ConnectionConfig) (Settings, error) {
	extra := cfg.ExtraParams()
	s := Settings{
		ProjectID:       cfg.Host,
		Dataset:         cfg.Name,
		Location:        extra.Get("location"),
		CredentialsJSON: cfg.Password,
		CredentialsFile: extra.Get("credentials_file"),
		Endpoint:        extra.Get("endpoint"),
	}
	if s.ProjectID == "" {
		s.ProjectID = extra.Get("project")
	}
	if s.ProjectID == "" {
		return Settings{}, fmt.Errorf("bigquery project id is required in host")
	}
	if s.CredentialsJSON != "" && !strings.HasPrefix(strings.TrimSpace(s.CredentialsJSON), "{") {
		return Settings{}, fmt.Errorf("bigquery credentials must be service account JSON")
	}
	return s, nil
}

// ClientOptions returns the google.golang.org/api options for the settings.
func (s Settings) ClientOptions() []option.ClientOption {
	var opts []option.ClientOption
	switch {
	case s.Endpoint != "":
		opts = append(opts, option.WithEndpoint(s.Endpoint), option.WithoutAuthentication())
	case s.CredentialsJSON != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(s.CredentialsJSON)))
	case s.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(s.CredentialsFile))
	}
	return opts
}

// queryFunc runs one statement with positional parameters.
type queryFunc func(ctx context.Context, query string, args []any) ([]queryset.Row, error)

// Handle is a BigQuery client exposed as a relational handle. BigQuery has
// no database/sql driver, so statements go through the jobs API.
type Handle struct {
	client    *bigquery.Client
	settings  Settings
	runner    *Runner
	reflector datasource.Reflector
}

func (h *Handle) Engine() models.Engine { return models.EngineBigQuery }

func (h *Handle) Runner() queryset.SQLRunner { return h.runner }

func (h *Handle) Reflect(ctx context.Context, req datasource.ReflectRequest) (*models.MappedSchema, error) {
	return h.reflector.Reflect(ctx, req)
}

// Ping reads the dataset metadata.
func (h *Handle) Ping(ctx context.Context) error {
	if h.settings.Dataset == "" {
		_, err := h.client.Datasets(ctx).Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		return err
	}
	_, err := h.client.Dataset(h.settings.Dataset).Metadata(ctx)
	return err
}

func (h *Handle) Close() error {
	return h.client.Close()
}

// Runner executes SQL through the BigQuery jobs API.
type Runner struct {
	query  queryFunc
	logger *zap.Logger
}

func (r *Runner) Query(ctx context.Context, query string, args ...any) ([]queryset.Row, error) {
	rows, err := r.query(ctx, query, args)
	if err != nil {
		sanitized := logging.SanitizeQuery(query)
		r.logger.Error("Query failed",
			zap.String("query", sanitized),
			zap.String("error", logging.SanitizeError(err)))
		return nil, &apperrors.QueryError{Query: sanitized, Err: err}
	}
	return rows, nil
}

func clientQuery(client *bigquery.Client, s Settings) queryFunc {
	return func(ctx context.Context, query string, args []any) ([]queryset.Row, error) {
		q := client.Query(query)
		q.DefaultProjectID = s.ProjectID
		q.DefaultDatasetID = s.Dataset
		if s.Location != "" {
			q.Location = s.Location
		}
		for _, arg := range args {
			q.Parameters = append(q.Parameters, bigquery.QueryParameter{Value: arg})
		}

		it, err := q.Read(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]queryset.Row, 0)
		for {
			var values []bigquery.Value
			err := it.Next(&values)
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				return nil, err
			}
			row := make(queryset.Row, len(values))
			for i, field := range it.Schema {
				row[field.Name] = queryset.NormalizeValue(normalize(values[i]))
			}
			out = append(out, row)
		}
		return out, nil
	}
}

// normalize flattens repeated and record values into plain slices and maps.
func normalize(v bigquery.Value) any {
	switch t := v.(type) {
	case []bigquery.Value:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case map[string]bigquery.Value:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	}
	return v
}

// Open creates a BigQuery client for the project and dataset.
func Open(ctx context.Context, cfg models.ConnectionConfig, opts datasource.OpenOptions) (datasource.Handle, error) {
	settings, err := FromConnectionConfig(cfg)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := bigquery.NewClient(ctx, settings.ProjectID, settings.ClientOptions()...)
	if err != nil {
		return nil, fmt.Errorf("create bigquery client: %w", err)
	}
	if settings.Location != "" {
		client.Location = settings.Location
	}

	query := clientQuery(client, settings)
	h := &Handle{
		client:   client,
		settings: settings,
		runner:   &Runner{query: query, logger: logger.Named("bigquery")},
	}
	reader := NewCatalogReader(query, settings.ProjectID, settings.Dataset)
	h.reflector = datasource.NewRelationalReflector(reader, cfg.Engine, opts.Mapper, opts.Reflection, logger)

	if err := h.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return h, nil
}

func init() {
	datasource.Register(datasource.AdapterRegistration{
		Info: datasource.AdapterInfo{
			Engine:      models.EngineBigQuery,
			DisplayName: "Google BigQuery",
			Description: "Query a BigQuery dataset with service account credentials",
		},
		Open: Open,
	})
}

var (
	_ datasource.Handle  = (*Handle)(nil)
	_ queryset.SQLSource = (*Handle)(nil)
)
