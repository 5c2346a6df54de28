package job

import (
	"encoding/xml"
	"fmt"
	"os"
	"strings"
)

// DescriptorFile marks a regression test directory.
const DescriptorFile = "test.xml"

// Descriptor is the metadata of a regression test.
//
//	<snort-test>
//	  <name>http_inspect basic</name>
//	  <description>...</description>
//	</snort-test>
type Descriptor struct {
	XMLName     xml.Name `xml:"snort-test"`
	Name        string   `xml:"name"`
	Description string   `xml:"description"`
}

// ParseDescriptor reads and decodes a test.xml file.
func ParseDescriptor(path string) (Descriptor, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the test tree walk
	if err != nil {
		return Descriptor{}, fmt.Errorf("reading descriptor: %w", err)
	}

	var d Descriptor
	if err := xml.Unmarshal(data, &d); err != nil {
		return Descriptor{}, fmt.Errorf("parsing descriptor %s: %w", path, err)
	}
	d.Name = strings.TrimSpace(d.Name)
	d.Description = strings.TrimSpace(d.Description)
	return d, nil
}
