package admin

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/devrev/swimfs/internal/errors"
	"github.com/devrev/swimfs/internal/model"
)

// MemberInfo is a membership entry as reported by a node
type MemberInfo struct {
	Slot      int
	BirthTime uint64
	Addr      string
	State     string
}

// Client calls the admin service of one node
type Client struct {
	addr string
	conn *grpc.ClientConn
}

// NewClient creates a client for the admin service at addr. The connection
// is established lazily on the first call.
func NewClient(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to admin service at %s: %w", addr, err)
	}
	return &Client{addr: addr, conn: conn}, nil
}

// Close releases the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out proto.Message) error {
	err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out)
	return errors.FromGRPC(err)
}

// Join asks the node to join through introducer
func (c *Client) Join(ctx context.Context, introducer int) error {
	return c.invoke(ctx, "Join", wrapperspb.Int32(int32(introducer)), &emptypb.Empty{})
}

// Leave asks the node to leave the group and exit
func (c *Client) Leave(ctx context.Context) error {
	return c.invoke(ctx, "Leave", &emptypb.Empty{}, &emptypb.Empty{})
}

// Identity returns the node's own membership entry and state
func (c *Client) Identity(ctx context.Context) (MemberInfo, error) {
	out := &structpb.Struct{}
	if err := c.invoke(ctx, "Identity", &emptypb.Empty{}, out); err != nil {
		return MemberInfo{}, err
	}
	return toMemberInfo(out), nil
}

// Members returns the node's membership table
func (c *Client) Members(ctx context.Context) ([]MemberInfo, error) {
	out := &structpb.ListValue{}
	if err := c.invoke(ctx, "Members", &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	members := make([]MemberInfo, 0, len(out.GetValues()))
	for _, v := range out.GetValues() {
		members = append(members, toMemberInfo(v.GetStructValue()))
	}
	return members, nil
}

// Put stores a file that is local to the node
func (c *Client) Put(ctx context.Context, localPath, name string) error {
	in := &structpb.Struct{Fields: map[string]*structpb.Value{
		"local": structpb.NewStringValue(localPath),
		"name":  structpb.NewStringValue(name),
	}}
	return c.invoke(ctx, "Put", in, &emptypb.Empty{})
}

// Get copies name to a path local to the node
func (c *Client) Get(ctx context.Context, name, localPath string) error {
	in := &structpb.Struct{Fields: map[string]*structpb.Value{
		"name":  structpb.NewStringValue(name),
		"local": structpb.NewStringValue(localPath),
	}}
	return c.invoke(ctx, "Get", in, &emptypb.Empty{})
}

// Delete removes name from the store
func (c *Client) Delete(ctx context.Context, name string) error {
	return c.invoke(ctx, "Delete", wrapperspb.String(name), &emptypb.Empty{})
}

// Store lists the files held by the node
func (c *Client) Store(ctx context.Context) ([]model.FileRecord, error) {
	out := &structpb.ListValue{}
	if err := c.invoke(ctx, "Store", &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	recs := make([]model.FileRecord, 0, len(out.GetValues()))
	for _, v := range out.GetValues() {
		f := v.GetStructValue().GetFields()
		role, _ := model.ParseRole(f["role"].GetStringValue())
		recs = append(recs, model.FileRecord{
			Name:     f["name"].GetStringValue(),
			Role:     role,
			Size:     int64(f["size"].GetNumberValue()),
			Checksum: uint32(f["checksum"].GetNumberValue()),
		})
	}
	return recs, nil
}

// Locate returns the nodes holding name and their roles
func (c *Client) Locate(ctx context.Context, name string) ([]model.Replica, error) {
	out := &structpb.ListValue{}
	if err := c.invoke(ctx, "Locate", wrapperspb.String(name), out); err != nil {
		return nil, err
	}
	replicas := make([]model.Replica, 0, len(out.GetValues()))
	for _, v := range out.GetValues() {
		f := v.GetStructValue().GetFields()
		role, _ := model.ParseRole(f["role"].GetStringValue())
		replicas = append(replicas, model.Replica{Slot: int(f["slot"].GetNumberValue()), Role: role})
	}
	return replicas, nil
}

// Ring returns the slots the node believes alive
func (c *Client) Ring(ctx context.Context) ([]int, error) {
	out := &structpb.ListValue{}
	if err := c.invoke(ctx, "Ring", &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	slots := make([]int, 0, len(out.GetValues()))
	for _, v := range out.GetValues() {
		slots = append(slots, int(v.GetNumberValue()))
	}
	return slots, nil
}

// Next returns the node's ring successor
func (c *Client) Next(ctx context.Context) (int, error) {
	out := &wrapperspb.Int32Value{}
	if err := c.invoke(ctx, "Next", &emptypb.Empty{}, out); err != nil {
		return 0, err
	}
	return int(out.GetValue()), nil
}

// ListPrefix returns the stored names starting with prefix
func (c *Client) ListPrefix(ctx context.Context, prefix string) ([]string, error) {
	out := &structpb.ListValue{}
	if err := c.invoke(ctx, "ListPrefix", wrapperspb.String(prefix), out); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(out.GetValues()))
	for _, v := range out.GetValues() {
		names = append(names, v.GetStringValue())
	}
	return names, nil
}

func toMemberInfo(s *structpb.Struct) MemberInfo {
	f := s.GetFields()
	return MemberInfo{
		Slot:      int(f["slot"].GetNumberValue()),
		BirthTime: uint64(f["birth_time"].GetNumberValue()),
		Addr:      f["addr"].GetStringValue(),
		State:     f["state"].GetStringValue(),
	}
}
