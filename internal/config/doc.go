// Package config handles configuration loading for prestus-connect.
//
// Configuration is read from a YAML file with ${VAR} environment variable
// expansion and Go duration syntax for timing values:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
//	database:
//	  path: "/var/lib/prestus/connect.db"
//
//	auth:
//	  jwt_secret: "${PRESTUS_JWT_SECRET}"
//
//	gateway:
//	  base_url: "https://api.z-api.io"
//	  client_token: "${ZAPI_CLIENT_TOKEN}"
//	  send_timeout: "10s"
//	  dedupe_ttl: "10m"
//
//	presence:
//	  stale_timeout: "2m"
//
//	routing:
//	  auto_assign: false
//	  reassign_on_release: false
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
