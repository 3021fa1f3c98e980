package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// 远程后端的传输方式
const (
	TransportStreamableHTTP = "streamable-http"
	TransportSSE            = "sse"
)

// RemoteConfig 一个 MCP 工具服务的配置
type RemoteConfig struct {
	Name      string            `yaml:"name"`
	URL       string            `yaml:"url"`
	Transport string            `yaml:"transport"`
	Headers   map[string]string `yaml:"headers"`
	Timeout   time.Duration     `yaml:"timeout"`
}

// MCPClient 这里用到的 mcp-go 客户端方法子集
type MCPClient interface {
	Start(ctx context.Context) error
	Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// Dialer 为 cfg 创建一个尚未启动的客户端
type Dialer func(cfg RemoteConfig) (MCPClient, error)

// DialMCP 默认的 Dialer
func DialMCP(cfg RemoteConfig) (MCPClient, error) {
	switch strings.ToLower(cfg.Transport) {
	case "", TransportStreamableHTTP, "http":
		return client.NewStreamableHttpClient(cfg.URL, transport.WithHTTPHeaders(cfg.Headers))
	case TransportSSE:
		return client.NewSSEMCPClient(cfg.URL, transport.WithHeaders(cfg.Headers))
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
}

// RemoteBackend 从 MCP 服务发现工具。每个回合单独建立连接，
// 随回合的 Toolset 一起关闭
type RemoteBackend struct {
	cfg  RemoteConfig
	dial Dialer
}

// NewRemoteBackend 创建远程后端，dial 为 nil 时使用 DialMCP
func NewRemoteBackend(cfg RemoteConfig, dial Dialer) *RemoteBackend {
	if dial == nil {
		dial = DialMCP
	}
	return &RemoteBackend{cfg: cfg, dial: dial}
}

func (b *RemoteBackend) Name() string { return b.cfg.Name }

func (b *RemoteBackend) Open(ctx context.Context, _ Scope) (*Binding, error) {
	c, err := b.dial(b.cfg)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	// 连接的生命周期长于发现阶段，不能继承其超时
	if err := c.Start(context.WithoutCancel(ctx)); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("start client: %w", err)
	}

	init := mcp.InitializeRequest{}
	init.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	init.Params.ClientInfo = mcp.Implementation{Name: "z-relay", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, init); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}

	listed, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("list tools: %w", err)
	}

	binding := &Binding{Backend: b.cfg.Name, closer: c.Close}
	for _, t := range listed.Tools {
		rt, err := newRemoteTool(c, b.cfg, t)
		if err != nil {
			// 单个工具的 schema 有问题时只跳过该工具
			log.Printf("[tools] skipping %s/%s: %v", b.cfg.Name, t.Name, err)
			continue
		}
		binding.Tools = append(binding.Tools, rt)
	}
	return binding, nil
}

type remoteTool struct {
	client  MCPClient
	cfg     RemoteConfig
	info    *schema.ToolInfo
	name    string
	checker *jsonschema.Schema
}

var _ tool.InvokableTool = (*remoteTool)(nil)

func newRemoteTool(c MCPClient, cfg RemoteConfig, t mcp.Tool) (*remoteTool, error) {
	raw, err := inputSchemaJSON(t)
	if err != nil {
		return nil, err
	}
	checker, err := jsonschema.CompileString(cfg.Name+"/"+t.Name+".json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("compile input schema: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode input schema: %w", err)
	}
	return &remoteTool{
		client: c,
		cfg:    cfg,
		name:   t.Name,
		info: &schema.ToolInfo{
			Name:        t.Name,
			Desc:        t.Description,
			ParamsOneOf: schema.NewParamsOneOfByParams(paramsFromSchema(doc)),
		},
		checker: checker,
	}, nil
}

func (t *remoteTool) Info(context.Context) (*schema.ToolInfo, error) {
	return t.info, nil
}

func (t *remoteTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	var args map[string]any
	if err := json.Unmarshal([]byte(argumentsInJSON), &args); err != nil {
		return "", fmt.Errorf("arguments are not a JSON object: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := t.checker.Validate(args); err != nil {
		return "", fmt.Errorf("invalid arguments for %s: %w", t.name, err)
	}

	if t.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = t.name
	req.Params.Arguments = args
	res, err := t.client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("call %s: %w", t.name, err)
	}

	text := contentText(res.Content)
	if res.IsError {
		return "", &ExecutionError{Content: text}
	}
	return text, nil
}

func inputSchemaJSON(t mcp.Tool) ([]byte, error) {
	if len(t.RawInputSchema) > 0 {
		return t.RawInputSchema, nil
	}
	in := t.InputSchema
	if in.Type == "" {
		in.Type = "object"
	}
	doc := map[string]any{"type": in.Type}
	if len(in.Properties) > 0 {
		doc["properties"] = in.Properties
	}
	if len(in.Required) > 0 {
		doc["required"] = in.Required
	}
	return json.Marshal(doc)
}

func contentText(contents []mcp.Content) string {
	var parts []string
	for _, c := range contents {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if raw, err := json.Marshal(v); err == nil {
				parts = append(parts, string(raw))
			}
		}
	}
	return strings.Join(parts, "\n")
}

// paramsFromSchema 将 JSON schema 对象转换为 eino 参数描述
func paramsFromSchema(doc map[string]any) map[string]*schema.ParameterInfo {
	props, _ := doc["properties"].(map[string]any)
	if len(props) == 0 {
		return map[string]*schema.ParameterInfo{}
	}
	required := map[string]bool{}
	if list, ok := doc["required"].([]any); ok {
		for _, r := range list {
			if name, ok := r.(string); ok {
				required[name] = true
			}
		}
	}
	params := make(map[string]*schema.ParameterInfo, len(props))
	for name, raw := range props {
		prop, _ := raw.(map[string]any)
		p := paramFromSchema(prop)
		p.Required = required[name]
		params[name] = p
	}
	return params
}

func paramFromSchema(prop map[string]any) *schema.ParameterInfo {
	p := &schema.ParameterInfo{Type: schema.String}
	if prop == nil {
		return p
	}
	if desc, ok := prop["description"].(string); ok {
		p.Desc = desc
	}
	if enum, ok := prop["enum"].([]any); ok {
		for _, v := range enum {
			if s, ok := v.(string); ok {
				p.Enum = append(p.Enum, s)
			}
		}
	}
	typ, _ := prop["type"].(string)
	switch typ {
	case "integer":
		p.Type = schema.Integer
	case "number":
		p.Type = schema.Number
	case "boolean":
		p.Type = schema.Boolean
	case "array":
		p.Type = schema.Array
		items, _ := prop["items"].(map[string]any)
		p.ElemInfo = paramFromSchema(items)
	case "object":
		p.Type = schema.Object
		p.SubParams = paramsFromSchema(prop)
	}
	return p
}
