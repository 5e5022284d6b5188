package cluster

import "github.com/kass/go-fuel-map/pkg/models"

// ListZoom is the zoom level from which tapping an aggregate lists its
// members instead of zooming, since they cannot be separated further
const ListZoom = 16

// TapAction is what the host should do after a marker is tapped.
// It is one of NoAction, ZoomToCluster, ShowStation or ListStations.
type TapAction interface {
	tapAction()
}

// NoAction means the tap is ignored
type NoAction struct{}

// ZoomToCluster asks the host to reframe the map on Bounds
type ZoomToCluster struct {
	Bounds models.BoundingBox `json:"bounds"`
}

// ShowStation asks the host to open the station detail
type ShowStation struct {
	ID int64 `json:"id"`
}

// ListStations asks the host to list stations that share a spot
type ListStations struct {
	IDs []int64 `json:"ids"`
}

func (NoAction) tapAction()      {}
func (ZoomToCluster) tapAction() {}
func (ShowStation) tapAction()   {}
func (ListStations) tapAction()  {}

// Resolve maps a tapped marker to the action the host should take
func Resolve(m Marker, zoom float64) TapAction {
	switch {
	case len(m.Members) == 0:
		return NoAction{}
	case len(m.Members) == 1:
		return ShowStation{ID: m.Members[0]}
	case zoom >= ListZoom:
		return ListStations{IDs: append([]int64(nil), m.Members...)}
	default:
		return ZoomToCluster{Bounds: m.Bounds}
	}
}

// ActionName returns a short name for logging and wire messages
func ActionName(a TapAction) string {
	switch a.(type) {
	case ZoomToCluster:
		return "zoom_to_cluster"
	case ShowStation:
		return "show_station"
	case ListStations:
		return "list_stations"
	default:
		return "none"
	}
}
