package controller

import (
	"errors"
	"strings"

	"github.com/dgnsrekt/stepdeck/internal/gateway"
	"github.com/dgnsrekt/stepdeck/internal/snapshot"
)

var errArchiveDisabled = gateway.NewError(gateway.CodeNotFound, "screenshot archive is disabled", nil)

func mapSnapshotErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, snapshot.ErrNotFound) {
		return gateway.NewError(gateway.CodeNotFound, err.Error(), err)
	}
	if strings.HasPrefix(err.Error(), "invalid snapshot id") {
		return gateway.NewError(gateway.CodeValidation, err.Error(), err)
	}
	return err
}

func (s *Service) ListSnapshots(sessionID string) ([]snapshot.SnapshotMeta, error) {
	if s.snaps == nil {
		return nil, errArchiveDisabled
	}
	metas, err := s.snaps.List(strings.TrimSpace(sessionID))
	return metas, mapSnapshotErr(err)
}

func (s *Service) GetSnapshot(id string) (snapshot.SnapshotMeta, error) {
	if s.snaps == nil {
		return snapshot.SnapshotMeta{}, errArchiveDisabled
	}
	meta, err := s.snaps.Get(strings.TrimSpace(id))
	return meta, mapSnapshotErr(err)
}

func (s *Service) ReadSnapshotImage(id string) ([]byte, string, error) {
	if s.snaps == nil {
		return nil, "", errArchiveDisabled
	}
	data, format, err := s.snaps.ReadImage(strings.TrimSpace(id))
	return data, format, mapSnapshotErr(err)
}

func (s *Service) DeleteSnapshot(id string) error {
	if s.snaps == nil {
		return errArchiveDisabled
	}
	return mapSnapshotErr(s.snaps.Delete(strings.TrimSpace(id)))
}
