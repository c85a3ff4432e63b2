// Package config loads sensor configuration.
//
// A configuration starts from Default, is overlaid by a YAML or JSON file
// (chosen by extension) and finally by UDS_* environment variables. Path
// values may contain the placeholders {PROJECT_HOME}, {OUT_DIR_PATH},
// {LOG_DIR_PATH}, {CACHE_DIR_PATH} and {CONFIG_DIR_PATH}; Resolve expands
// them in place.
//
// Example file:
//
//	sensor:
//	  name: RainSensor
//	  info:
//	    formatVersion: 1.02
//	    createdContact: ops@example.org
//	  schema:
//	    - {type: datetime, name: time}
//	    - {type: float, name: latitude, unit: degree}
//	    - {type: float, name: longitude, unit: degree}
//	    - {type: float, name: rainfall, unit: mm}
//	  primary_keys: [time, latitude, longitude]
//	time_offset: "+09:00"
//	filter_type: time_order_filter
//	store_type: evwh
//	store:
//	  evwh: {host: 192.0.2.10, port: 9000}
//	source:
//	  type: http
//	  url: https://example.org/rain.csv
//	  interval: 600
//	  tls: {enabled: true, ca_files: ["{CONFIG_DIR_PATH}/tls/ca.pem"]}
//	parser: {type: csv}
package config
