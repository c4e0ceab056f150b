// ABOUTME: Tests for the SSM secret resolver
// ABOUTME: Uses a fake SSM API that records requested names

package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	values map[string]string
	err    error
	calls  []string
	input  *ssm.GetParameterInput
}

func (f *fakeAPI) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.calls = append(f.calls, *in.Name)
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.values[*in.Name]
	if !ok {
		return &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: in.Name}}, nil
	}
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: in.Name, Value: &v}}, nil
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestResolve_PassThrough(t *testing.T) {
	api := &fakeAPI{}
	r, err := New(api)
	require.NoError(t, err)

	v, err := r.Resolve(context.Background(), "plain-secret")
	require.NoError(t, err)
	require.Equal(t, "plain-secret", v)
	require.Empty(t, api.calls)
}

func TestResolve_Reference(t *testing.T) {
	api := &fakeAPI{values: map[string]string{"/bots/entra-secret": "s3cret"}}
	r, err := New(api)
	require.NoError(t, err)

	v, err := r.Resolve(context.Background(), "ssm:/bots/entra-secret")
	require.NoError(t, err)
	require.Equal(t, "s3cret", v)
	require.True(t, *api.input.WithDecryption)

	// Second lookup is served from the cache.
	_, err = r.Resolve(context.Background(), "ssm:/bots/entra-secret")
	require.NoError(t, err)
	require.Equal(t, []string{"/bots/entra-secret"}, api.calls)
}

func TestResolve_MissingValue(t *testing.T) {
	r, err := New(&fakeAPI{})
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), "ssm:/nope")
	require.ErrorIs(t, err, ErrMissingValue)
}

func TestResolve_APIError(t *testing.T) {
	r, err := New(&fakeAPI{err: errors.New("access denied")})
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), "ssm:/bots/x")
	require.ErrorContains(t, err, "access denied")
}

func TestResolve_EmptyName(t *testing.T) {
	r, err := New(&fakeAPI{})
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), "ssm:  ")
	require.ErrorContains(t, err, "required")
}

func TestIsRef(t *testing.T) {
	require.True(t, IsRef("ssm:/a"))
	require.False(t, IsRef("SSM:/a"))
	require.False(t, IsRef("secret"))
}
