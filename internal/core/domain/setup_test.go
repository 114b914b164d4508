package domain_test

import (
	"fmt"
	"testing"

	"github.com/bitsnark/bitsnark/internal/core/domain"
	"github.com/stretchr/testify/require"
)

func TestSetup(t *testing.T) {
	t.Run("new_setup", func(t *testing.T) {
		setup := domain.NewSetup("0.2")
		require.NotEmpty(t, setup.Id)
		require.Equal(t, domain.SetupStatusPending, setup.Status)
		require.True(t, setup.IsUnsigned())
	})

	t.Run("happy_path", func(t *testing.T) {
		setup := domain.NewSetup("0.2")
		require.NoError(t, setup.MarkReady())
		require.NoError(t, setup.MarkSigned())
		require.NoError(t, setup.MarkMerged())
		require.NoError(t, setup.MarkVerified())
		require.Equal(t, domain.SetupStatusVerified, setup.Status)
	})

	t.Run("sign_from_pending", func(t *testing.T) {
		setup := domain.NewSetup("0.2")
		require.NoError(t, setup.MarkSigned())
		require.NoError(t, setup.MarkVerified())
	})

	t.Run("invalid_transitions", func(t *testing.T) {
		setup := domain.NewSetup("0.2")
		require.Error(t, setup.MarkMerged())
		require.Error(t, setup.MarkVerified())
		require.Error(t, setup.Retry())

		require.NoError(t, setup.MarkSigned())
		require.Error(t, setup.MarkSigned())
		require.Error(t, setup.MarkReady())
	})

	t.Run("fail", func(t *testing.T) {
		setup := domain.NewSetup("0.2")
		setup.Fail(fmt.Errorf("boom"))
		require.True(t, setup.IsFailed())
		require.Equal(t, "boom", setup.FailureReason)

		setup.Fail(fmt.Errorf("another"))
		require.Equal(t, "boom", setup.FailureReason)

		require.Error(t, setup.MarkSigned())
		require.NoError(t, setup.Retry())
		require.Equal(t, domain.SetupStatusReady, setup.Status)
		require.Empty(t, setup.FailureReason)
	})

	t.Run("status_text", func(t *testing.T) {
		for _, s := range []domain.SetupStatus{
			domain.SetupStatusPending, domain.SetupStatusReady, domain.SetupStatusSigned,
			domain.SetupStatusMerged, domain.SetupStatusVerified, domain.SetupStatusFailed,
		} {
			parsed, err := domain.ParseSetupStatus(s.String())
			require.NoError(t, err)
			require.Equal(t, s, parsed)
		}
		_, err := domain.ParseSetupStatus("DONE")
		require.Error(t, err)
	})
}
