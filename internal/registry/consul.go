package registry

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/consul/api"
)

const serviceName = "mydia-server"

// ConsulRegistry registers this server instance with Consul and discovers
// the direct_urls[] a client can attempt for direct-connection probing,
// wired as the pairing channel's DirectURLsProvider.
type ConsulRegistry struct {
	client     *api.Client
	serviceID  string
	serverID   string
	serverPort int
}

func NewConsulRegistry(addr, serverID, serverPort string) (*ConsulRegistry, error) {
	config := api.DefaultConfig()
	config.Address = addr

	client, err := api.NewClient(config)
	if err != nil {
		return nil, err
	}

	port, err := strconv.Atoi(serverPort)
	if err != nil {
		log.Printf("Warning: failed to parse server port, using default 8080: %v", err)
		port = 8080
	}

	return &ConsulRegistry{
		client:     client,
		serviceID:  serverID,
		serverID:   serverID,
		serverPort: port,
	}, nil
}

// Register registers this server with Consul, advertising directURLs in
// service metadata for the pairing channel to hand out.
func (c *ConsulRegistry) Register(directURLs []string) error {
	hostname, err := os.Hostname()
	if err != nil {
		log.Printf("Warning: failed to get hostname, using localhost: %v", err)
		hostname = "localhost"
	}

	directURLsJSON, err := json.Marshal(directURLs)
	if err != nil {
		return fmt.Errorf("registry: marshal direct urls: %w", err)
	}

	registration := &api.AgentServiceRegistration{
		ID:      c.serviceID,
		Name:    serviceName,
		Port:    c.serverPort,
		Address: hostname,
		Tags:    []string{"mydia", "remote-access"},
		Check: &api.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s:%d/health", hostname, c.serverPort),
			Interval:                       "10s",
			Timeout:                        "3s",
			DeregisterCriticalServiceAfter: "30s",
		},
		Meta: map[string]string{
			"server_id":   c.serverID,
			"direct_urls": string(directURLsJSON),
		},
	}

	if err := c.client.Agent().ServiceRegister(registration); err != nil {
		return err
	}

	log.Printf("registered with Consul: %s", c.serviceID)
	return nil
}

func (c *ConsulRegistry) Deregister() error {
	if err := c.client.Agent().ServiceDeregister(c.serviceID); err != nil {
		return err
	}
	log.Printf("deregistered from Consul: %s", c.serviceID)
	return nil
}

// DirectURLs returns this instance's own advertised direct_urls[], read
// back from Consul. Suitable for use as pairing.DirectURLsProvider.
func (c *ConsulRegistry) DirectURLs() []string {
	svc, _, err := c.client.Agent().Service(c.serviceID, nil)
	if err != nil || svc == nil {
		return nil
	}
	raw, ok := svc.Meta["direct_urls"]
	if !ok {
		return nil
	}
	var urls []string
	if err := json.Unmarshal([]byte(raw), &urls); err != nil {
		return nil
	}
	return urls
}

// GetHealthyServers returns all healthy mydia server instance ids.
func (c *ConsulRegistry) GetHealthyServers() ([]string, error) {
	services, _, err := c.client.Health().Service(serviceName, "", true, nil)
	if err != nil {
		return nil, err
	}

	servers := make([]string, 0, len(services))
	for _, service := range services {
		servers = append(servers, service.Service.ID)
	}
	return servers, nil
}

// WatchServices watches for changes in the set of healthy server instances.
func (c *ConsulRegistry) WatchServices(callback func([]string)) {
	var lastIndex uint64

	for {
		services, meta, err := c.client.Health().Service(serviceName, "", true, &api.QueryOptions{
			WaitIndex: lastIndex,
			WaitTime:  5 * time.Minute,
		})
		if err != nil {
			log.Printf("error watching Consul services: %v", err)
			time.Sleep(5 * time.Second)
			continue
		}

		if meta.LastIndex != lastIndex {
			lastIndex = meta.LastIndex

			servers := make([]string, 0, len(services))
			for _, service := range services {
				servers = append(servers, service.Service.ID)
			}
			callback(servers)
		}
	}
}
