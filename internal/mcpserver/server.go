// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes Pictura image tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/goccy/go-json"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/pictura/internal/database"
	"github.com/starford/pictura/internal/query"
	"github.com/starford/pictura/internal/shorturl"
	"github.com/starford/pictura/internal/storage"
)

const queryContractURI = "pictura://query-language"

// Server wraps the MCP server with Pictura tools.
type Server struct {
	mcp           *server.MCPServer
	db            database.Adapter
	store         storage.Provider
	links         *shorturl.Allocator
	users         []string
	allowLoopback bool
}

// Option configures a Server.
type Option func(*Server)

// WithLoopbackFetch lets upload_image download from loopback addresses.
func WithLoopbackFetch() Option {
	return func(s *Server) { s.allowLoopback = true }
}

// New creates an MCP server acting for the given public keys.
func New(db database.Adapter, store storage.Provider, users []string, opts ...Option) *Server {
	s := &Server{
		db:    db,
		store: store,
		links: shorturl.New(db),
		users: slices.Sorted(slices.Values(users)),
	}
	for _, o := range opts {
		o(s)
	}

	s.mcp = server.NewMCPServer(
		"Pictura",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_users",
		mcp.WithDescription("List the public keys this server can act for, with their image counts."),
	), s.listUsers)

	s.mcp.AddTool(mcp.NewTool("search_images",
		mcp.WithDescription("Search a user's images by metadata. The query follows the Pictura "+
			"metadata query language; read it first via the get_query_contract tool or the "+
			queryContractURI+" resource."),
		mcp.WithString("user", mcp.Required(), mcp.Description("Public key owning the images")),
		mcp.WithString("query", mcp.Description("JSON metadata query (empty matches everything)")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of images (default 20)")),
	), s.searchImages)

	s.mcp.AddTool(mcp.NewTool("get_metadata",
		mcp.WithDescription("Read the metadata document of an image."),
		mcp.WithString("user", mcp.Required(), mcp.Description("Public key owning the image")),
		mcp.WithString("imageIdentifier", mcp.Required(), mcp.Description("Image identifier (MD5 of the original bytes)")),
	), s.getMetadata)

	s.mcp.AddTool(mcp.NewTool("set_metadata",
		mcp.WithDescription("Merge a JSON object into the metadata document of an image."),
		mcp.WithString("user", mcp.Required(), mcp.Description("Public key owning the image")),
		mcp.WithString("imageIdentifier", mcp.Required(), mcp.Description("Image identifier")),
		mcp.WithString("metadata", mcp.Required(), mcp.Description("JSON object to merge")),
	), s.setMetadata)

	s.mcp.AddTool(mcp.NewTool("upload_image",
		mcp.WithDescription("Download an image from an http(s) URL or a base64 data URI and add it to a user's images."),
		mcp.WithString("user", mcp.Required(), mcp.Description("Public key that will own the image")),
		mcp.WithString("url", mcp.Required(), mcp.Description("http(s) URL or data:image/...;base64,... URI")),
	), s.uploadImage)

	s.mcp.AddTool(mcp.NewTool("create_short_url",
		mcp.WithDescription("Get or create the short link for an image variant."),
		mcp.WithString("user", mcp.Required(), mcp.Description("Public key owning the image")),
		mcp.WithString("imageIdentifier", mcp.Required(), mcp.Description("Image identifier")),
		mcp.WithString("extension", mcp.Description("Optional output extension (png, jpg, gif)")),
		mcp.WithString("query", mcp.Description("Optional query string, e.g. t[]=thumbnail:width=50,height=50")),
	), s.createShortURL)

	s.mcp.AddTool(mcp.NewTool("resolve_short_url",
		mcp.WithDescription("Show the image variant a short link points to."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Short link identifier")),
	), s.resolveShortURL)

	s.mcp.AddTool(mcp.NewTool("get_query_contract",
		mcp.WithDescription("Returns the Pictura metadata query language reference."),
	), s.getQueryContract)

	s.mcp.AddResource(
		mcp.NewResource(queryContractURI, "Metadata Query Language",
			mcp.WithResourceDescription("Grammar of the JSON metadata query used by image searches."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readQueryContract,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) requireUser(req mcp.CallToolRequest) (string, error) {
	user, err := req.RequireString("user")
	if err != nil {
		return "", err
	}
	if _, ok := slices.BinarySearch(s.users, user); !ok {
		return "", fmt.Errorf("unknown public key: %s", user)
	}
	return user, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) listUsers(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	type entry struct {
		PublicKey string `json:"publicKey"`
		NumImages int    `json:"numImages"`
	}
	out := make([]entry, 0, len(s.users))
	for _, u := range s.users {
		n, err := s.db.NumImages(ctx, u)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		out = append(out, entry{PublicKey: u, NumImages: n})
	}
	return jsonResult(out)
}

func (s *Server) searchImages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, err := s.requireUser(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	q := database.ImagesQuery{Page: 1, Limit: req.GetInt("limit", 20), Metadata: true}
	if raw := strings.TrimSpace(req.GetString("query", "")); raw != "" {
		expr, err := query.Parse([]byte(raw))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		q.Filter = expr
	}
	images, err := s.db.Images(ctx, user, q)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(images)
}

func (s *Server) getMetadata(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, err := s.requireUser(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := req.RequireString("imageIdentifier")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	doc, err := s.db.Metadata(ctx, user, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", id)), nil
	}
	return jsonResult(doc)
}

func (s *Server) setMetadata(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, err := s.requireUser(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := req.RequireString("imageIdentifier")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	raw, err := req.RequireString("metadata")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var patch map[string]any
	if err := json.Unmarshal([]byte(raw), &patch); err != nil || patch == nil {
		return mcp.NewToolResultError("metadata must be a JSON object"), nil
	}

	doc, err := s.db.Metadata(ctx, user, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", id)), nil
	}
	if doc == nil {
		doc = map[string]any{}
	}
	for k, v := range patch {
		doc[k] = v
	}
	if err := s.db.SetMetadata(ctx, user, id, doc); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(doc)
}

func (s *Server) createShortURL(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, err := s.requireUser(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := req.RequireString("imageIdentifier")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	exists, err := s.db.ImageExists(ctx, user, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !exists {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", id)), nil
	}
	values, err := url.ParseQuery(strings.TrimPrefix(req.GetString("query", ""), "?"))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid query: %v", err)), nil
	}

	link, existed, err := s.links.GetOrCreate(ctx, user, id, req.GetString("extension", ""), values)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{"id": link, "existed": existed})
}

func (s *Server) resolveShortURL(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	link, err := s.links.Resolve(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(link)
}

func (s *Server) getQueryContract(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(QueryContract), nil
}

func (s *Server) readQueryContract(context.Context, mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      queryContractURI,
			MIMEType: "text/markdown",
			Text:     QueryContract,
		},
	}, nil
}
