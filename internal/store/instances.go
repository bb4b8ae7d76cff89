package store

import (
	"encoding/json"
	"fmt"
	"sort"

	"zapcamp/pkg/zapcamp"
)

func instanceKey(userID, instanceName string) []byte {
	return []byte(fmt.Sprintf("instance:%s:%s", keyPart(userID), keyPart(instanceName)))
}

func instancePrefix(userID string) []byte {
	return []byte(fmt.Sprintf("instance:%s:", keyPart(userID)))
}

// SaveInstance persists the local record of a gateway instance.
func (s *Store) SaveInstance(userID string, instance zapcamp.Instance) error {
	if instance.Name == "" {
		return fmt.Errorf("save instance: missing name")
	}

	encoded, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("encode instance %s: %w", instance.Name, err)
	}
	return s.set(instanceKey(userID, instance.Name), encoded)
}

// GetInstance reads one instance record.
func (s *Store) GetInstance(userID, instanceName string) (zapcamp.Instance, error) {
	raw, found, err := s.get(instanceKey(userID, instanceName))
	if err != nil {
		return zapcamp.Instance{}, err
	}
	if !found {
		return zapcamp.Instance{}, fmt.Errorf("instance %s: %w", instanceName, zapcamp.ErrNotFound)
	}

	var instance zapcamp.Instance
	if err := json.Unmarshal(raw, &instance); err != nil {
		return zapcamp.Instance{}, fmt.Errorf("decode stored instance %s: %w", instanceName, err)
	}
	return instance, nil
}

// ListInstances returns all instance records of one user, sorted by name.
func (s *Store) ListInstances(userID string) ([]zapcamp.Instance, error) {
	instances := make([]zapcamp.Instance, 0, 8)

	var decodeErr error
	err := s.scanPrefix(instancePrefix(userID), func(key, value []byte) bool {
		var instance zapcamp.Instance
		if err := json.Unmarshal(value, &instance); err != nil {
			decodeErr = fmt.Errorf("decode stored instance %s: %w", key, err)
			return false
		}
		instances = append(instances, instance)
		return true
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}

	sort.Slice(instances, func(i, j int) bool { return instances[i].Name < instances[j].Name })
	return instances, nil
}

// DeleteInstance removes the local record of a gateway instance.
func (s *Store) DeleteInstance(userID, instanceName string) error {
	return s.delete(instanceKey(userID, instanceName))
}
