package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/dgnsrekt/stepdeck/internal/snapshot"
)

func registerSnapshotHandlers(api huma.API, svc Service) {
	type listOutput struct {
		Body struct {
			Snapshots []snapshot.SnapshotMeta `json:"snapshots"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-snapshots", Method: http.MethodGet, Path: "/api/v1/snapshots", Summary: "List archived screenshots, newest first", Tags: []string{"Snapshots"}},
		func(ctx context.Context, input *struct {
			SessionID string `query:"session_id" doc:"Only snapshots from this session"`
		}) (*listOutput, error) {
			snaps, err := svc.ListSnapshots(input.SessionID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &listOutput{}
			out.Body.Snapshots = snaps
			if out.Body.Snapshots == nil {
				out.Body.Snapshots = []snapshot.SnapshotMeta{}
			}
			return out, nil
		})

	type metaOutput struct {
		Body snapshot.SnapshotMeta
	}
	huma.Register(api, huma.Operation{OperationID: "get-snapshot", Method: http.MethodGet, Path: "/api/v1/snapshots/{snapshot_id}/metadata", Summary: "Snapshot metadata", Tags: []string{"Snapshots"}},
		func(ctx context.Context, input *struct {
			SnapshotID string `path:"snapshot_id"`
		}) (*metaOutput, error) {
			meta, err := svc.GetSnapshot(input.SnapshotID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &metaOutput{Body: meta}, nil
		})

	type imageOutput struct {
		ContentType string `header:"Content-Type"`
		Body        []byte
	}
	huma.Register(api, huma.Operation{OperationID: "get-snapshot-image", Method: http.MethodGet, Path: "/api/v1/snapshots/{snapshot_id}/image", Summary: "Snapshot image", Tags: []string{"Snapshots"}},
		func(ctx context.Context, input *struct {
			SnapshotID string `path:"snapshot_id"`
		}) (*imageOutput, error) {
			data, format, err := svc.ReadSnapshotImage(input.SnapshotID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &imageOutput{ContentType: "image/" + format, Body: data}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "delete-snapshot", Method: http.MethodDelete, Path: "/api/v1/snapshots/{snapshot_id}", Summary: "Delete a snapshot", Tags: []string{"Snapshots"}},
		func(ctx context.Context, input *struct {
			SnapshotID string `path:"snapshot_id"`
		}) (*statusOutput, error) {
			if err := svc.DeleteSnapshot(input.SnapshotID); err != nil {
				return nil, mapErr(err)
			}
			return newStatus("deleted"), nil
		})
}
