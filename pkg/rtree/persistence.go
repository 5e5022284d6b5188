package rtree

import (
	"encoding/gob"
	"errors"
	"fmt"
	"os"

	"github.com/kass/go-fuel-map/pkg/models"
)

// ErrEmptySnapshot is returned when a snapshot file holds no stations
var ErrEmptySnapshot = errors.New("snapshot contains no stations")

// Snapshot represents the serializable form of the station index
type Snapshot struct {
	Stations  []models.Station  `json:"stations"`
	Fuels     []models.Fuel     `json:"fuels"`
	FuelTypes []models.FuelType `json:"fuel_types"`
}

// Snapshot captures the current contents of the index
func (x *StationIndex) Snapshot() Snapshot {
	stations := x.All()

	x.mu.RLock()
	defer x.mu.RUnlock()

	var fuels []models.Fuel
	for _, s := range stations {
		fuels = append(fuels, x.fuels[s.ID]...)
	}

	return Snapshot{
		Stations:  stations,
		Fuels:     fuels,
		FuelTypes: append([]models.FuelType(nil), x.fuelTypes...),
	}
}

// Restore replaces the index contents with the snapshot
func (x *StationIndex) Restore(data Snapshot) error {
	x.Clear()
	if err := x.IndexStations(data.Stations); err != nil {
		return fmt.Errorf("failed to index stations: %w", err)
	}
	x.IndexFuels(data.Fuels)
	x.SetFuelTypes(data.FuelTypes)
	return nil
}

// SaveToFile saves the index to a binary file
func (x *StationIndex) SaveToFile(filename string) error {
	data := x.Snapshot()

	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	encoder := gob.NewEncoder(file)
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	return nil
}

// LoadFromFile loads the index from a binary file
func (x *StationIndex) LoadFromFile(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	var data Snapshot
	decoder := gob.NewDecoder(file)
	if err := decoder.Decode(&data); err != nil {
		return fmt.Errorf("failed to decode data: %w", err)
	}
	if len(data.Stations) == 0 {
		return fmt.Errorf("%s: %w", filename, ErrEmptySnapshot)
	}

	return x.Restore(data)
}
