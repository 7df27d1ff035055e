// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package table

// HTTPSchema is the http_events output table.
var HTTPSchema = Schema{
	Name: "http_events",
	Columns: []Column{
		{Name: "time_ns", Type: TypeUint64},
		{Name: "tgid", Type: TypeInt64},
		{Name: "fd", Type: TypeInt64},
		{Name: "remote_addr", Type: TypeString},
		{Name: "remote_port", Type: TypeInt64},
		{Name: "http_major_version", Type: TypeInt64},
		{Name: "http_minor_version", Type: TypeInt64},
		{Name: "http_req_method", Type: TypeString},
		{Name: "http_req_path", Type: TypeString},
		{Name: "http_req_headers", Type: TypeString},
		{Name: "http_req_body", Type: TypeString},
		{Name: "http_resp_status", Type: TypeInt64},
		{Name: "http_resp_message", Type: TypeString},
		{Name: "http_resp_headers", Type: TypeString},
		{Name: "http_resp_body", Type: TypeString},
		{Name: "http_resp_latency_ns", Type: TypeUint64},
	},
}

// MySQLSchema is the mysql_events output table.
var MySQLSchema = Schema{
	Name: "mysql_events",
	Columns: []Column{
		{Name: "time_ns", Type: TypeUint64},
		{Name: "tgid", Type: TypeInt64},
		{Name: "fd", Type: TypeInt64},
		{Name: "remote_addr", Type: TypeString},
		{Name: "remote_port", Type: TypeInt64},
		{Name: "mysql_cmd", Type: TypeString},
		{Name: "mysql_body", Type: TypeString},
		{Name: "mysql_resp_body", Type: TypeString},
		{Name: "mysql_resp_status", Type: TypeString},
		{Name: "mysql_resp_latency_ns", Type: TypeUint64},
	},
}
