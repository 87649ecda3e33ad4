package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmagar/transdock/internal/remote"
)

const composeProjectLabel = "com.docker.compose.project"

// ContainerInfo is the slice of docker inspect output discovery needs.
type ContainerInfo struct {
	Name     string
	Image    string
	Labels   map[string]string
	Mounts   []VolumeMount
	Networks []string
	Env      map[string]string
}

// ContainerLister enumerates running containers on a host.
type ContainerLister interface {
	List(ctx context.Context) ([]ContainerInfo, error)
}

// DockerLister reads running containers through the docker CLI on whatever
// host the executor points at.
type DockerLister struct {
	Exec remote.Executor
}

func (l DockerLister) List(ctx context.Context) ([]ContainerInfo, error) {
	ids, err := l.Exec.Run(ctx, 30*time.Second, "docker", "ps", "-q")
	if err != nil {
		return nil, fmt.Errorf("docker ps: %w", err)
	}
	idList := strings.Fields(string(ids.Stdout))
	if len(idList) == 0 {
		return nil, nil
	}

	args := append([]string{"inspect"}, idList...)
	res, err := l.Exec.Run(ctx, time.Minute, "docker", args...)
	if err != nil {
		return nil, fmt.Errorf("docker inspect: %w", err)
	}

	var raw []struct {
		Name   string `json:"Name"`
		Config struct {
			Image  string            `json:"Image"`
			Env    []string          `json:"Env"`
			Labels map[string]string `json:"Labels"`
		} `json:"Config"`
		Mounts []struct {
			Type        string `json:"Type"`
			Name        string `json:"Name"`
			Source      string `json:"Source"`
			Destination string `json:"Destination"`
			RW          bool   `json:"RW"`
		} `json:"Mounts"`
		NetworkSettings struct {
			Networks map[string]json.RawMessage `json:"Networks"`
		} `json:"NetworkSettings"`
	}
	if err := json.Unmarshal(res.Stdout, &raw); err != nil {
		return nil, fmt.Errorf("decode docker inspect: %w", err)
	}

	out := make([]ContainerInfo, 0, len(raw))
	for _, c := range raw {
		info := ContainerInfo{
			Name:   strings.TrimPrefix(c.Name, "/"),
			Image:  c.Config.Image,
			Labels: c.Config.Labels,
			Env:    map[string]string{},
		}
		for _, kv := range c.Config.Env {
			k, v, _ := strings.Cut(kv, "=")
			info.Env[k] = v
		}
		for _, m := range c.Mounts {
			mount := VolumeMount{Target: m.Destination, ReadOnly: !m.RW}
			if m.Type == "volume" {
				mount.Named = true
				mount.Source = m.Name
			} else {
				mount.Source = m.Source
			}
			info.Mounts = append(info.Mounts, mount)
		}
		for name := range c.NetworkSettings.Networks {
			info.Networks = append(info.Networks, name)
		}
		out = append(out, info)
	}
	return out, nil
}
