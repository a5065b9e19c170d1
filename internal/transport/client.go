package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	mgmtv1alpha1 "github.com/anvil-platform/anvil-mgmt/api/v1alpha1"
)

// WriteResult is the client view of a write outcome.
type WriteResult struct {
	Level          string   `json:"level"`
	Transitions    []string `json:"transitions"`
	ReloadRequired bool     `json:"reloadRequired"`
}

// Client calls a management server. Failures reported by the server are *RemoteError.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Dial opens a plaintext connection to target.
func Dial(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return conn, nil
}

func (c *Client) Add(ctx context.Context, addr string, model map[string]interface{}) (*mgmtv1alpha1.ManagedResource, error) {
	in := map[string]interface{}{"address": addr}
	if model != nil {
		in["model"] = model
	}
	out, err := c.invoke(ctx, "Add", in)
	if err != nil {
		return nil, err
	}
	return decodeResource(out)
}

// WriteAttribute sets name on addr; a nil value undefines the attribute.
func (c *Client) WriteAttribute(ctx context.Context, addr, name string, value interface{}) (WriteResult, error) {
	out, err := c.invoke(ctx, "WriteAttribute", map[string]interface{}{"address": addr, "name": name, "value": value})
	if err != nil {
		return WriteResult{}, err
	}
	res := WriteResult{
		Level:          out.GetFields()["level"].GetStringValue(),
		ReloadRequired: out.GetFields()["reload_required"].GetBoolValue(),
	}
	for _, v := range out.GetFields()["transitions"].GetListValue().GetValues() {
		res.Transitions = append(res.Transitions, v.GetStringValue())
	}
	return res, nil
}

// Remove deletes addr and reports whether the server now waits for a reload.
func (c *Client) Remove(ctx context.Context, addr string) (bool, error) {
	out, err := c.invoke(ctx, "Remove", map[string]interface{}{"address": addr})
	if err != nil {
		return false, err
	}
	return out.GetFields()["reload_required"].GetBoolValue(), nil
}

func (c *Client) ReadResource(ctx context.Context, addr string, recursive bool) (*mgmtv1alpha1.ManagedResource, error) {
	out, err := c.invoke(ctx, "ReadResource", map[string]interface{}{"address": addr, "recursive": recursive})
	if err != nil {
		return nil, err
	}
	return decodeResource(out)
}

func (c *Client) ReadChildrenNames(ctx context.Context, addr, childType string) ([]string, error) {
	out, err := c.invoke(ctx, "ReadChildrenNames", map[string]interface{}{"address": addr, "child_type": childType})
	if err != nil {
		return nil, err
	}
	return decodeNames(out), nil
}

func (c *Client) ReadChildTypes(ctx context.Context, addr string) ([]string, error) {
	out, err := c.invoke(ctx, "ReadChildTypes", map[string]interface{}{"address": addr})
	if err != nil {
		return nil, err
	}
	return decodeNames(out), nil
}

func (c *Client) Reload(ctx context.Context) error {
	_, err := c.invoke(ctx, "Reload", map[string]interface{}{})
	return err
}

func (c *Client) invoke(ctx context.Context, method string, in map[string]interface{}) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, out); err != nil {
		return nil, FromStatus(err)
	}
	return out, nil
}

func decodeResource(out *structpb.Struct) (*mgmtv1alpha1.ManagedResource, error) {
	raw, err := json.Marshal(out.GetFields()["resource"].GetStructValue().AsMap())
	if err != nil {
		return nil, err
	}
	res := &mgmtv1alpha1.ManagedResource{}
	if err := json.Unmarshal(raw, res); err != nil {
		return nil, fmt.Errorf("decode resource: %w", err)
	}
	return res, nil
}

func decodeNames(out *structpb.Struct) []string {
	values := out.GetFields()["names"].GetListValue().GetValues()
	names := make([]string, 0, len(values))
	for _, v := range values {
		names = append(names, v.GetStringValue())
	}
	return names
}
