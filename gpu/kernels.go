package gpu

// Compute kernel sources. Rule family and boundary constants must match
// rules.Family and core.Boundary; the CPU device mirrors the same
// semantics through rules.Evaluate and core.Grid.CountNeighbors.

// generationKernel advances one generation. Each 8x8x8 worker group
// cooperatively loads its interior plus a 1-cell halo (a 10x10x10 tile)
// into shared memory, synchronizes once, then each worker counts its 26
// Moore neighbors from the tile alone and writes its single result to
// the next buffer. Out-of-range halo coordinates go through the boundary
// rule, so a dimension of 1 degenerates to every offset hitting the same
// cell.
const generationKernel = `
#version 430 core

layout(local_size_x = 8, local_size_y = 8, local_size_z = 8) in;

layout(std430, binding = 0) readonly buffer CurrentGrid {
    uint current_cells[];
};

layout(std430, binding = 1) writeonly buffer NextGrid {
    uint next_cells[];
};

uniform ivec3 dims;
uniform ivec2 survive_range;  // surviveMin, surviveMax
uniform ivec2 birth_range;    // birthMin, birthMax
uniform int rule_family;      // 0 classic, 1 highlife-3d, 2 dayandnight-3d, 3 custom
uniform int boundary_mode;    // 0 toroidal, 1 fixed
uniform int max_age;

// Interior tile plus 1-cell halo.
shared uint tile[10][10][10];

// Halo coordinates reach -1 at most, so c + d is never negative and the
// modulo stays in defined territory.
int wrap_coord(int c, int d) {
    return (c + d) % d;
}

uint sample_cell(ivec3 p) {
    if (boundary_mode == 1) {
        if (p.x < 0 || p.x >= dims.x || p.y < 0 || p.y >= dims.y || p.z < 0 || p.z >= dims.z) {
            return 0u;
        }
    } else {
        p = ivec3(wrap_coord(p.x, dims.x), wrap_coord(p.y, dims.y), wrap_coord(p.z, dims.z));
    }
    return current_cells[p.z * dims.x * dims.y + p.y * dims.x + p.x];
}

void main() {
    ivec3 tile_origin = ivec3(gl_WorkGroupID) * 8 - 1;

    // 1000 tile entries, 512 workers: strided cooperative load.
    for (uint i = gl_LocalInvocationIndex; i < 1000u; i += 512u) {
        uint tz = i / 100u;
        uint ty = (i / 10u) % 10u;
        uint tx = i % 10u;
        tile[tz][ty][tx] = sample_cell(tile_origin + ivec3(int(tx), int(ty), int(tz)));
    }

    barrier();

    ivec3 gid = ivec3(gl_GlobalInvocationID);
    if (gid.x >= dims.x || gid.y >= dims.y || gid.z >= dims.z) {
        return;
    }
    ivec3 l = ivec3(gl_LocalInvocationID) + 1;

    int neighbors = 0;
    for (int dz = -1; dz <= 1; dz++) {
        for (int dy = -1; dy <= 1; dy++) {
            for (int dx = -1; dx <= 1; dx++) {
                if (dx == 0 && dy == 0 && dz == 0) continue;
                if (tile[l.z + dz][l.y + dy][l.x + dx] != 0u) {
                    neighbors++;
                }
            }
        }
    }

    uint state = tile[l.z][l.y][l.x];
    uint result = 0u;
    if (state != 0u) {
        if (neighbors >= survive_range.x && neighbors <= survive_range.y) {
            result = min(state + 1u, uint(max_age));
        }
    } else {
        bool born;
        if (rule_family == 1) {
            born = (neighbors == 3 || neighbors == 6);
        } else if (rule_family == 2) {
            born = (neighbors == 3 || (neighbors >= 6 && neighbors <= 8));
        } else {
            born = (neighbors >= birth_range.x && neighbors <= birth_range.y);
        }
        if (born) {
            result = 1u;
        }
    }

    next_cells[gid.z * dims.x * dims.y + gid.y * dims.x + gid.x] = result;
}
`

// populationKernel counts alive cells: tree reduction of a per-group
// running sum with a barrier at each halving, then one atomic accumulate
// per group into the global counter. Valid only after the same fence as
// the generation update.
const populationKernel = `
#version 430 core

layout(local_size_x = 256) in;

layout(std430, binding = 0) readonly buffer Cells {
    uint cells[];
};

layout(std430, binding = 1) buffer PopulationOut {
    uint population;
};

uniform int cell_count;

shared uint partial[256];

void main() {
    uint tid = gl_LocalInvocationID.x;
    uint idx = gl_GlobalInvocationID.x;

    partial[tid] = (idx < uint(cell_count) && cells[idx] != 0u) ? 1u : 0u;
    barrier();

    for (uint stride = 128u; stride > 0u; stride >>= 1u) {
        if (tid < stride) {
            partial[tid] += partial[tid + stride];
        }
        barrier();
    }

    if (tid == 0u) {
        atomicAdd(population, partial[0]);
    }
}
`
