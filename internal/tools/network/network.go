// Package network provides the built-in network probe plugin: subprocess
// tools for reachability testing, HTTP fetching, port scanning and
// interface inspection, all running under the runtime sandbox.
package network

import (
	"context"
	"fmt"
	"strconv"

	"opendiscovery/internal/plugin"
	"opendiscovery/internal/protocol"
	"opendiscovery/internal/registry"
	"opendiscovery/internal/runtime"
	"opendiscovery/internal/schema"
)

// PluginID is the plugin name the factory registers under.
const PluginID = "network"

// Factory returns the network plugin entry point.
func Factory() plugin.Factory {
	return func(s *plugin.Server) error {
		rt := s.Runtime

		tools := []*registry.Tool{
			{
				Name:        "ping",
				Description: "Send ICMP echo requests to a host and report round-trip statistics",
				Category:    "network",
				Subprocess:  true,
				Descriptor: &schema.Descriptor{Properties: map[string]*schema.Property{
					"host": {Type: "string", Required: true, Description: "Hostname or IP address to ping"},
					"count": {Type: "number", Description: "Number of echo requests",
						Minimum: schema.Float(1), Maximum: schema.Float(10), Default: float64(4)},
					"timeoutSeconds": {Type: "number", Description: "Per-reply timeout in seconds",
						Minimum: schema.Float(1), Maximum: schema.Float(60), Default: float64(5)},
				}},
				Handler: func(ctx context.Context, args map[string]any) (*protocol.CallToolResult, error) {
					host, err := runtime.SanitizeHostname(stringArg(args, "host"))
					if err != nil {
						return nil, err
					}
					count := intArg(args, "count", 4)
					timeout := intArg(args, "timeoutSeconds", 5)
					res, err := rt.Execute(ctx, "ping", "-c", strconv.Itoa(count), "-W", strconv.Itoa(timeout), host)
					if err != nil {
						return nil, err
					}
					return runtime.FormatExecResult(res), nil
				},
			},
			{
				Name:        "wget",
				Description: "Fetch a URL over HTTP(S) and return the response body",
				Category:    "network",
				Subprocess:  true,
				Descriptor: &schema.Descriptor{Properties: map[string]*schema.Property{
					"url": {Type: "string", Required: true, Description: "http(s) URL to fetch"},
					"timeoutSeconds": {Type: "number", Description: "Overall fetch timeout in seconds",
						Minimum: schema.Float(1), Maximum: schema.Float(120), Default: float64(15)},
				}},
				Handler: func(ctx context.Context, args map[string]any) (*protocol.CallToolResult, error) {
					url, err := runtime.SanitizeURL(stringArg(args, "url"))
					if err != nil {
						return nil, err
					}
					timeout := intArg(args, "timeoutSeconds", 15)
					res, err := rt.Execute(ctx, "wget", "-q", "-O", "-", "--timeout="+strconv.Itoa(timeout), url)
					if err != nil {
						return nil, err
					}
					return runtime.FormatExecResult(res), nil
				},
			},
			{
				Name:        "nmap_tcp_syn_scan",
				Description: "TCP SYN scan of a host or CIDR block",
				Category:    "nmap",
				Subprocess:  true,
				Descriptor: &schema.Descriptor{Properties: map[string]*schema.Property{
					"target": {Type: "string", Required: true, Description: "Host or CIDR block to scan"},
					"ports":  {Type: "string", Description: "Port list or range (nmap -p syntax)", Pattern: `^[0-9,\-]+$`},
					"timing": {Type: "integer", Description: "nmap timing template",
						Minimum: schema.Float(0), Maximum: schema.Float(5), Default: float64(4)},
				}},
				Handler: func(ctx context.Context, args map[string]any) (*protocol.CallToolResult, error) {
					target, err := runtime.SanitizeTarget(stringArg(args, "target"))
					if err != nil {
						return nil, err
					}
					argv := []string{"nmap", "-sS", "-T" + strconv.Itoa(intArg(args, "timing", 4))}
					if ports := stringArg(args, "ports"); ports != "" {
						argv = append(argv, "-p", ports)
					}
					argv = append(argv, target)
					res, err := rt.Execute(ctx, argv...)
					if err != nil {
						return nil, err
					}
					return runtime.FormatExecResult(res), nil
				},
			},
			{
				Name:        "ifconfig",
				Description: "Show addresses and state of the host's network interfaces",
				Category:    "network",
				Subprocess:  true,
				Descriptor: &schema.Descriptor{Properties: map[string]*schema.Property{
					"interface": {Type: "string", Description: "Restrict output to one interface"},
				}},
				Handler: func(ctx context.Context, args map[string]any) (*protocol.CallToolResult, error) {
					argv := []string{"ip", "addr", "show"}
					if iface := stringArg(args, "interface"); iface != "" {
						clean, err := runtime.SanitizeInterface(iface)
						if err != nil {
							return nil, err
						}
						argv = append(argv, "dev", clean)
					}
					res, err := rt.Execute(ctx, argv...)
					if err != nil {
						return nil, err
					}
					return runtime.FormatExecResult(res), nil
				},
			},
		}

		for _, tool := range tools {
			if err := s.RegisterTool(tool); err != nil {
				return fmt.Errorf("register %s: %w", tool.Name, err)
			}
		}
		return nil
	}
}
