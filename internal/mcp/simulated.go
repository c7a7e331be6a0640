// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mcp

import (
	"fmt"
	"strings"
)

// SimulatedCatalog answers SAP service-catalog tool calls in-process with
// canned payloads. It stands in for a real OData gateway during local
// development and demos, so the rest of the pipeline (matching, planning,
// the agent loop) exercises the same code paths it would against a live
// system.
type SimulatedCatalog struct {
	services []simulatedService
}

type simulatedService struct {
	ID          string
	Title       string
	Description string
	Entities    []simulatedEntity
}

type simulatedEntity struct {
	Name   string
	Fields []simulatedField
}

type simulatedField struct {
	Name string
	Type string
	Key  bool
}

// NewSimulatedCatalog builds the catalog with its built-in service set.
func NewSimulatedCatalog() *SimulatedCatalog {
	return &SimulatedCatalog{
		services: []simulatedService{
			{
				ID:          "API_SALES_ORDER_SRV",
				Title:       "Sales Order (A2X)",
				Description: "Create, read, and update sales orders",
				Entities: []simulatedEntity{
					{
						Name: "A_SalesOrder",
						Fields: []simulatedField{
							{Name: "SalesOrder", Type: "Edm.String", Key: true},
							{Name: "SoldToParty", Type: "Edm.String"},
							{Name: "TotalNetAmount", Type: "Edm.Decimal"},
							{Name: "SalesOrderDate", Type: "Edm.DateTime"},
						},
					},
					{
						Name: "A_SalesOrderItem",
						Fields: []simulatedField{
							{Name: "SalesOrder", Type: "Edm.String", Key: true},
							{Name: "SalesOrderItem", Type: "Edm.String", Key: true},
							{Name: "Material", Type: "Edm.String"},
							{Name: "RequestedQuantity", Type: "Edm.Decimal"},
						},
					},
				},
			},
			{
				ID:          "API_BILLING_DOCUMENT_SRV",
				Title:       "Billing Document",
				Description: "Read billing documents and their items",
				Entities: []simulatedEntity{
					{
						Name: "A_BillingDocument",
						Fields: []simulatedField{
							{Name: "BillingDocument", Type: "Edm.String", Key: true},
							{Name: "PayerParty", Type: "Edm.String"},
							{Name: "TotalGrossAmount", Type: "Edm.Decimal"},
						},
					},
				},
			},
			{
				ID:          "API_BUSINESS_PARTNER",
				Title:       "Business Partner (A2X)",
				Description: "Read and maintain business partners",
				Entities: []simulatedEntity{
					{
						Name: "A_BusinessPartner",
						Fields: []simulatedField{
							{Name: "BusinessPartner", Type: "Edm.String", Key: true},
							{Name: "BusinessPartnerFullName", Type: "Edm.String"},
							{Name: "BusinessPartnerCategory", Type: "Edm.String"},
						},
					},
				},
			},
		},
	}
}

// Execute answers one tool call from the canned catalog.
func (c *SimulatedCatalog) Execute(tool string, args map[string]interface{}) ToolResult {
	switch tool {
	case "search-services":
		query, _ := args["query"].(string)
		return ToolResult{Success: true, Result: c.searchServices(query)}
	case "discover-entities":
		serviceID, _ := args["serviceId"].(string)
		return c.discoverEntities(serviceID)
	case "get-schema":
		serviceID, _ := args["serviceId"].(string)
		entity, _ := args["entitySet"].(string)
		return c.getSchema(serviceID, entity)
	case "execute-operation":
		serviceID, _ := args["serviceId"].(string)
		entity, _ := args["entitySet"].(string)
		return c.executeOperation(serviceID, entity)
	default:
		return failure(fmt.Sprintf("tool '%s' not found in simulated catalog", tool))
	}
}

func (c *SimulatedCatalog) searchServices(query string) []map[string]interface{} {
	lower := strings.ToLower(query)
	matches := make([]map[string]interface{}, 0)
	for _, svc := range c.services {
		if query == "" ||
			strings.Contains(strings.ToLower(svc.ID), lower) ||
			strings.Contains(strings.ToLower(svc.Title), lower) ||
			strings.Contains(strings.ToLower(svc.Description), lower) {
			matches = append(matches, map[string]interface{}{
				"id":          svc.ID,
				"title":       svc.Title,
				"description": svc.Description,
			})
		}
	}
	return matches
}

func (c *SimulatedCatalog) findService(serviceID string) *simulatedService {
	for i := range c.services {
		if strings.EqualFold(c.services[i].ID, serviceID) {
			return &c.services[i]
		}
	}
	return nil
}

func (c *SimulatedCatalog) discoverEntities(serviceID string) ToolResult {
	svc := c.findService(serviceID)
	if svc == nil {
		return failure(fmt.Sprintf("service '%s' not found", serviceID))
	}
	entities := make([]string, len(svc.Entities))
	for i, e := range svc.Entities {
		entities[i] = e.Name
	}
	return ToolResult{Success: true, Result: map[string]interface{}{
		"serviceId": svc.ID,
		"entities":  entities,
	}}
}

func (c *SimulatedCatalog) getSchema(serviceID, entitySet string) ToolResult {
	svc := c.findService(serviceID)
	if svc == nil {
		return failure(fmt.Sprintf("service '%s' not found", serviceID))
	}
	for _, e := range svc.Entities {
		if strings.EqualFold(e.Name, entitySet) {
			fields := make([]map[string]interface{}, len(e.Fields))
			for i, f := range e.Fields {
				fields[i] = map[string]interface{}{
					"name": f.Name,
					"type": f.Type,
					"key":  f.Key,
				}
			}
			return ToolResult{Success: true, Result: map[string]interface{}{
				"serviceId": svc.ID,
				"entitySet": e.Name,
				"fields":    fields,
			}}
		}
	}
	return failure(fmt.Sprintf("entity set '%s' not found in service '%s'", entitySet, serviceID))
}

func (c *SimulatedCatalog) executeOperation(serviceID, entitySet string) ToolResult {
	svc := c.findService(serviceID)
	if svc == nil {
		return failure(fmt.Sprintf("service '%s' not found", serviceID))
	}
	// Operations against the simulated catalog return an empty result set
	// with the shape a live gateway would use.
	return ToolResult{Success: true, Result: map[string]interface{}{
		"serviceId": svc.ID,
		"entitySet": entitySet,
		"results":   []interface{}{},
		"simulated": true,
	}}
}
