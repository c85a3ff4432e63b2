package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/nict-isp/uds-sdk/envelope"
	"github.com/nict-isp/uds-sdk/errors"
	"github.com/nict-isp/uds-sdk/filter"
	"github.com/nict-isp/uds-sdk/sink"
)

var (
	filterTypes = []string{filter.TypeTimeOrder, filter.TypeLimitedBuffer, filter.TypeNone}
	sourceTypes = []string{SourceHTTP, SourceCSVFiles, SourceCSVDir, SourceUDP, SourceWebSocket}
	parserTypes = []string{ParserCSV, ParserJSON}
)

// Validate reports every problem found. The returned error is fatal and
// wraps errors.ErrInvalidConfig.
func (c *Config) Validate() error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format+": %w", append(args, errors.ErrInvalidConfig)...))
	}

	if c.Sensor.Name == "" {
		add("sensor.name is not set")
	}
	if _, err := envelope.HandlerFor(c.Sensor.Info.FormatVersion); err != nil {
		add("sensor.info.formatVersion %q is not supported", c.Sensor.Info.FormatVersion)
	}
	if c.Sensor.Info.CreatedContact == "" {
		add("sensor.info.createdContact is not set")
	}
	for i, entry := range c.Sensor.Schema {
		if entry.Name == "" || entry.Type == "" {
			add("sensor.schema[%d] needs a name and a type", i)
		}
	}
	if _, err := c.Offset(); err != nil {
		add("time_offset %q is not a utc offset", c.TimeOffset)
	}

	filterType := strings.ToLower(c.FilterType)
	if !slices.Contains(filterTypes, filterType) {
		add("filter_type %q is invalid", c.FilterType)
	}
	storeType := strings.ToLower(c.StoreType)
	if !slices.Contains(sink.Types, storeType) {
		add("store_type %q is invalid", c.StoreType)
	}
	problems = append(problems, c.storeProblems(storeType)...)
	problems = append(problems, c.primaryKeyProblems(filterType, storeType)...)

	if c.Source.Type != "" && !slices.Contains(sourceTypes, c.Source.Type) {
		add("source.type %q is invalid", c.Source.Type)
	}
	if c.Parser.Type != "" && !slices.Contains(parserTypes, c.Parser.Type) {
		add("parser.type %q is invalid", c.Parser.Type)
	}
	if len([]rune(c.Parser.Delimiter)) > 1 {
		add("parser.delimiter %q must be a single character", c.Parser.Delimiter)
	}

	if len(problems) == 0 {
		return nil
	}
	return errors.WrapFatal(errors.Join(problems...), "Config", "Validate", "validation")
}

func (c *Config) storeProblems(storeType string) []error {
	var problems []error
	missing := func(key string) {
		problems = append(problems, fmt.Errorf("store.%s is required for store_type %s: %w", key, storeType, errors.ErrMissingConfig))
	}

	switch storeType {
	case sink.TypeFile:
		if c.Store.File.DirPath == "" {
			missing("file.dir_path")
		}
	case sink.TypeEvWH:
		if c.Store.EvWH.Host == "" {
			missing("evwh.host")
		}
		if c.Store.EvWH.Port <= 0 {
			missing("evwh.port")
		}
		if c.Store.EvWH.ErrorDirPath == "" {
			missing("evwh.error_dir_path")
		}
	case sink.TypePostgres:
		if c.Store.Postgres.DSN == "" {
			missing("postgres.dsn")
		}
	case sink.TypeNATS:
		if c.Store.NATS.URL == "" {
			missing("nats.url")
		}
	}
	return problems
}

// primaryKeyProblems checks the primary keys against the filter and the
// store: the event warehouse enforces key uniqueness only in the shapes
// accepted here.
func (c *Config) primaryKeyProblems(filterType, storeType string) []error {
	keys := c.Sensor.PrimaryKeys
	invalid := func(reason string) []error {
		return []error{fmt.Errorf(
			"primary_keys %v are invalid for filter_type=%s store_type=%s primary_keys_enabled=%t: %s: %w",
			keys, filterType, storeType, c.Store.EvWH.PrimaryKeysEnabled, reason, errors.ErrInvalidConfig)}
	}

	if storeType == sink.TypeEvWH {
		switch filterType {
		case filter.TypeNone:
			if !c.Store.EvWH.PrimaryKeysEnabled && len(keys) != 0 {
				return invalid("keys need primary_keys_enabled without a filter")
			}
		case filter.TypeTimeOrder:
			for _, k := range []string{"time", "latitude", "longitude"} {
				if !slices.Contains(keys, k) {
					return invalid("time, latitude and longitude are required")
				}
			}
		case filter.TypeLimitedBuffer:
			if len(keys) == 0 {
				return invalid("at least one key is required")
			}
		}
	}

	if filterType == filter.TypeTimeOrder && !slices.Contains(keys, "time") {
		return invalid("time is required by the time-ordered filter")
	}
	return nil
}
